// internal/actions/project.go
package actions

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FindProjectDir resolves a generated project inside the warehouse.
// It tries the exact name_org_timestamp directory first, then falls
// back to the first warehouse entry with a matching name prefix.
// Returns "" when nothing matches.
func FindProjectDir(warehouseDir, name, org, timestamp string) string {
	if _, err := os.Stat(warehouseDir); err != nil {
		log.Printf("Warning: warehouse directory %s does not exist", warehouseDir)
		return ""
	}

	if name != "" && org != "" && timestamp != "" {
		exact := filepath.Join(warehouseDir, fmt.Sprintf("%s_%s_%s", name, org, timestamp))
		if _, err := os.Stat(exact); err == nil {
			return exact
		}
	}

	entries, err := os.ReadDir(warehouseDir)
	if err != nil {
		return ""
	}

	// Deterministic pick when several generations of the project exist
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), name+"_") {
			return filepath.Join(warehouseDir, entry.Name())
		}
	}

	return ""
}

// PrepareProject makes a generated project buildable: it guarantees a
// requirements.txt, a main.py entry point, and a pyproject.toml exist,
// synthesizing minimal versions when the generation engine left them out.
func PrepareProject(projectDir string) error {
	if _, err := os.Stat(projectDir); err != nil {
		return fmt.Errorf("project directory %s does not exist", projectDir)
	}

	reqFile := filepath.Join(projectDir, "requirements.txt")
	if _, err := os.Stat(reqFile); err != nil {
		if err := os.WriteFile(reqFile, []byte("flet>=0.20.0\n"), 0o644); err != nil {
			return fmt.Errorf("failed to write requirements.txt: %w", err)
		}
	}

	if err := ensureEntryPoint(projectDir); err != nil {
		return err
	}

	pyprojectFile := filepath.Join(projectDir, "pyproject.toml")
	if _, err := os.Stat(pyprojectFile); err != nil {
		content := fmt.Sprintf(`[tool.poetry]
name = "%s"
version = "0.1.0"
description = "Generated by ChatDev"
authors = ["ChatDev <chatdev@example.com>"]

[tool.poetry.dependencies]
python = ">=3.8,<4.0"
flet = ">=0.20.0"

[build-system]
requires = ["poetry-core"]
build-backend = "poetry.core.masonry.api"
`, filepath.Base(projectDir))
		if err := os.WriteFile(pyprojectFile, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write pyproject.toml: %w", err)
		}
	}

	return nil
}

// ensureEntryPoint guarantees a main.py exists, copying app.py or the
// first Python file found when necessary
func ensureEntryPoint(projectDir string) error {
	mainFile := filepath.Join(projectDir, "main.py")
	if _, err := os.Stat(mainFile); err == nil {
		return nil
	}

	appFile := filepath.Join(projectDir, "app.py")
	if _, err := os.Stat(appFile); err == nil {
		return copyFile(appFile, mainFile)
	}

	entries, err := os.ReadDir(projectDir)
	if err != nil {
		return fmt.Errorf("failed to read project directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".py") {
			return copyFile(filepath.Join(projectDir, entry.Name()), mainFile)
		}
	}

	return fmt.Errorf("no Python files found in %s", projectDir)
}
