// pkg/catalog/schema.go
package catalog

type ModelCatalog struct {
	Version     string         `json:"version"`
	LastUpdated string         `json:"lastUpdated"`
	Profiles    []ModelProfile `json:"profiles"`
}

type ModelProfile struct {
	Prefix       string   `json:"prefix"`
	DisplayName  string   `json:"displayName"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Tags         []string `json:"tags,omitempty"`
}
