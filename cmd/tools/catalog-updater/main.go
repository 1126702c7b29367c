// cmd/tools/catalog-updater/main.go
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"energy-assistant/pkg/catalog"
)

const defaultCatalogPath = "configs/model-catalog.json"

func main() {
	addCmd := flag.NewFlagSet("add", flag.ExitOnError)
	updateCmd := flag.NewFlagSet("update", flag.ExitOnError)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)

	// Add command flags
	prefixAdd := addCmd.String("prefix", "", "Model id prefix (e.g., llama3)")
	displayName := addCmd.String("displayName", "", "Display name (e.g., Llama 3)")
	description := addCmd.String("description", "", "Description")
	capabilities := addCmd.String("capabilities", "chat", "Comma-separated capability tags")
	tags := addCmd.String("tags", "", "Comma-separated informational tags")
	pathAdd := addCmd.String("path", defaultCatalogPath, "Path to catalog file")

	// Update command flags
	prefixUpdate := updateCmd.String("prefix", "", "Model id prefix to update")
	field := updateCmd.String("field", "", "Field to update (displayName, description, capabilities, tags)")
	value := updateCmd.String("value", "", "New value for the field")
	pathUpdate := updateCmd.String("path", defaultCatalogPath, "Path to catalog file")

	// Validate command flags
	pathValidate := validateCmd.String("path", defaultCatalogPath, "Path to catalog file")

	if len(os.Args) < 2 {
		help()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "add":
		addCmd.Parse(os.Args[2:])
		if *prefixAdd == "" || *displayName == "" {
			fmt.Println("Error: prefix and displayName are required for add.")
			addCmd.Usage()
			os.Exit(1)
		}
		profile := catalog.ModelProfile{
			Prefix:       strings.ToLower(*prefixAdd),
			DisplayName:  *displayName,
			Description:  *description,
			Capabilities: splitList(*capabilities),
			Tags:         splitList(*tags),
		}
		if err := addProfile(*pathAdd, profile); err != nil {
			fmt.Printf("Error adding profile: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Added profile: %s\n", profile.Prefix)

	case "update":
		updateCmd.Parse(os.Args[2:])
		if *prefixUpdate == "" || *field == "" || *value == "" {
			fmt.Println("Error: prefix, field, and value are required for update.")
			updateCmd.Usage()
			os.Exit(1)
		}
		if err := updateProfile(*pathUpdate, strings.ToLower(*prefixUpdate), *field, *value); err != nil {
			fmt.Printf("Error updating profile: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Updated profile %s, field %s\n", *prefixUpdate, *field)

	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := validateCatalog(*pathValidate); err != nil {
			fmt.Printf("Catalog validation failed: %v\n", err)
			os.Exit(1)
		}

	case "help":
		fallthrough
	default:
		help()
	}
}

func addProfile(path string, profile catalog.ModelProfile) error {
	cat, err := catalog.LoadCatalog(path)
	if err != nil {
		// If file doesn't exist, start from the built-in defaults
		if os.IsNotExist(err) {
			cat = catalog.Defaults()
		} else {
			return fmt.Errorf("failed to load catalog: %w", err)
		}
	}

	for _, existing := range cat.Profiles {
		if existing.Prefix == profile.Prefix {
			return fmt.Errorf("profile with prefix %s already exists", profile.Prefix)
		}
	}

	cat.Profiles = append(cat.Profiles, profile)
	cat.LastUpdated = time.Now().Format(time.RFC3339)

	return saveCatalog(cat, path)
}

func updateProfile(path, prefix, field, value string) error {
	cat, err := catalog.LoadCatalog(path)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	found := false
	for i := range cat.Profiles {
		if cat.Profiles[i].Prefix == prefix {
			found = true
			switch field {
			case "displayName":
				cat.Profiles[i].DisplayName = value
			case "description":
				cat.Profiles[i].Description = value
			case "capabilities":
				cat.Profiles[i].Capabilities = splitList(value)
			case "tags":
				cat.Profiles[i].Tags = splitList(value)
			default:
				return fmt.Errorf("unknown field: %s", field)
			}
			break
		}
	}

	if !found {
		return fmt.Errorf("profile with prefix %s not found", prefix)
	}

	cat.LastUpdated = time.Now().Format(time.RFC3339)
	return saveCatalog(cat, path)
}

func validateCatalog(path string) error {
	cat, err := catalog.LoadCatalog(path)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	if len(cat.Profiles) == 0 {
		return fmt.Errorf("catalog contains no profiles")
	}

	prefixes := make(map[string]bool)
	for _, profile := range cat.Profiles {
		if profile.Prefix == "" {
			return fmt.Errorf("profile missing required field: prefix")
		}
		if prefixes[profile.Prefix] {
			return fmt.Errorf("duplicate profile prefix: %s", profile.Prefix)
		}
		prefixes[profile.Prefix] = true

		if profile.Prefix != strings.ToLower(profile.Prefix) {
			return fmt.Errorf("profile prefix must be lowercase: %s", profile.Prefix)
		}
		if profile.DisplayName == "" {
			return fmt.Errorf("profile %s missing required field: displayName", profile.Prefix)
		}
	}

	fmt.Printf("Catalog validation passed. Found %d profiles.\n", len(cat.Profiles))
	return nil
}

// saveCatalog handles saving the catalog to file
func saveCatalog(cat *catalog.ModelCatalog, path string) error {
	data, err := json.MarshalIndent(cat, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write catalog file: %w", err)
	}

	return nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func help() {
	fmt.Print(`
Usage: catalog-updater <command> [flags]

Commands:
  add      Add a new model profile to the catalog
  update   Update an existing profile's field
  validate Validate the catalog file
  help     Show this help message

Examples:
  catalog-updater add -prefix llama3 -displayName "Llama 3" -description "Meta's Llama 3 family" -capabilities chat,reasoning
  catalog-updater update -prefix llama3 -field description -value "Meta's Llama 3 model family"
  catalog-updater validate -path configs/model-catalog.json

Use 'catalog-updater <command> -h' for more information about a command.
`)
}
