// internal/actions/artifacts.go
package actions

import (
	"archive/zip"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
)

const (
	// TargetAPK is the preferred artifact. Finding it short-circuits the search.
	TargetAPK = "app-arm64-v8a-release.apk"

	apkExt          = ".apk"
	stagedArchive   = "artifact.zip"
	artifactsSubdir = ".artifacts"
)

// CollectArtifacts locates APK files produced by the workflow and copies
// them into <project>/build. Search order: the staged archive at
// .artifacts/1/artifact/artifact.zip first (preferring TargetAPK, else
// any .apk), then the conventional build/apk directory. Returns a map
// of artifact file name to copied path; an empty map means no artifacts,
// which is a normal outcome, not an error. Failures while unpacking or
// copying are logged and treated as nothing found from that source.
func (r *Runner) CollectArtifacts() map[string]string {
	artifacts := make(map[string]string)

	buildDir := filepath.Join(r.projectDir, "build")
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		log.Printf("Failed to create build directory: %v", err)
		return artifacts
	}

	archivePath := filepath.Join(r.projectDir, artifactsSubdir, "1", "artifact", stagedArchive)
	if _, err := os.Stat(archivePath); err == nil {
		log.Printf("Found %s at %s", stagedArchive, archivePath)
		r.collectFromArchive(archivePath, buildDir, artifacts)
	}

	// Fallback: nothing harvested from the archive, check build/apk
	if len(artifacts) == 0 {
		log.Printf("No artifacts found in %s, checking build/apk directory", stagedArchive)
		r.collectFromBuildDir(buildDir, artifacts)
	}

	if len(artifacts) > 0 {
		names := make([]string, 0, len(artifacts))
		for name := range artifacts {
			names = append(names, name)
		}
		log.Printf("Found %d APK artifact(s): %v", len(artifacts), names)
	} else {
		log.Printf("Warning: no APK artifacts found")
	}

	return artifacts
}

// collectFromArchive unpacks the staged archive into a scratch directory
// and harvests APKs from it
func (r *Runner) collectFromArchive(archivePath, buildDir string, artifacts map[string]string) {
	scratch, err := os.MkdirTemp("", "chatdev-artifact-")
	if err != nil {
		log.Printf("Failed to create scratch directory: %v", err)
		return
	}
	defer os.RemoveAll(scratch)

	log.Printf("Extracting %s to %s", stagedArchive, scratch)
	if err := extractZip(archivePath, scratch); err != nil {
		log.Printf("Error extracting %s: %v", stagedArchive, err)
		return
	}

	// First priority is the specific target APK
	if src := findFile(scratch, TargetAPK); src != "" {
		dest := filepath.Join(buildDir, TargetAPK)
		if err := copyFile(src, dest); err != nil {
			log.Printf("Error copying %s: %v", TargetAPK, err)
			return
		}
		log.Printf("Found target APK! Copied from %s to %s", src, dest)
		artifacts[TargetAPK] = dest
		return
	}

	// No target APK, fall back to any APK in the extracted tree
	for _, src := range findByExt(scratch, apkExt) {
		name := filepath.Base(src)
		dest := filepath.Join(buildDir, name)
		if err := copyFile(src, dest); err != nil {
			log.Printf("Error copying %s: %v", name, err)
			continue
		}
		log.Printf("Found APK file: %s. Copied to %s", name, dest)
		artifacts[name] = dest
	}
}

// collectFromBuildDir scans build/apk (non-recursive) for APKs
func (r *Runner) collectFromBuildDir(buildDir string, artifacts map[string]string) {
	apkDir := filepath.Join(r.projectDir, "build", "apk")
	entries, err := os.ReadDir(apkDir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), apkExt) {
			continue
		}
		src := filepath.Join(apkDir, entry.Name())
		dest := filepath.Join(buildDir, entry.Name())
		if err := copyFile(src, dest); err != nil {
			log.Printf("Error copying %s: %v", entry.Name(), err)
			continue
		}
		log.Printf("Found APK in build/apk. Copied from %s to %s", src, dest)
		artifacts[entry.Name()] = dest
	}
}

// extractZip unpacks an archive, refusing entries that escape destDir
func extractZip(archivePath, destDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		dest := filepath.Join(destDir, file.Name)
		if !strings.HasPrefix(dest, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes destination: %s", file.Name)
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}

		src, err := file.Open()
		if err != nil {
			return err
		}

		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, file.Mode())
		if err != nil {
			src.Close()
			return err
		}

		_, err = io.Copy(out, src)
		src.Close()
		out.Close()
		if err != nil {
			return err
		}
	}

	return nil
}

// findFile walks root for a file with the exact name, returning its path
// or "" when absent
func findFile(root, name string) string {
	var found string
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if info.Name() == name {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// findByExt walks root for files with the given extension
func findByExt(root, ext string) []string {
	var matches []string
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if strings.HasSuffix(info.Name(), ext) {
			matches = append(matches, path)
		}
		return nil
	})
	return matches
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
