package catalogue

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/freundallein/stacdc/chassis/aoi"
)

//go:embed templates/*.json
var embedded embed.FS

var slashes = regexp.MustCompile(`/+`)

// Asset is one stored product referenced by a record.
type Asset struct {
	ProductType string
	Format      string
	// Key is the object storage key the product was uploaded to.
	Key string
}

// AssetKey is the name of the asset inside the record, e.g. ensemble-mean-grib.
func (a Asset) AssetKey() string {
	return strings.ReplaceAll(a.ProductType, "_", "-") + "-" + a.Format
}

// Builder fills per-dataset FeatureCollection templates.
type Builder struct {
	downloadRoot string
	templateDir  string
}

// NewBuilder ...
func NewBuilder(downloadRoot, templateDir string) *Builder {
	return &Builder{downloadRoot: downloadRoot, templateDir: templateDir}
}

// Build returns the JSON record for one dataset, day and area.
func (b *Builder) Build(dataset, itemID string, day time.Time, area aoi.AOI, assets []Asset) ([]byte, error) {
	raw, err := b.template(dataset)
	if err != nil {
		return nil, err
	}
	var collection map[string]interface{}
	if err := json.Unmarshal(raw, &collection); err != nil {
		return nil, fmt.Errorf("decode template %s: %w", dataset, err)
	}
	features, ok := collection["features"].([]interface{})
	if !ok || len(features) == 0 {
		return nil, fmt.Errorf("template %s: no features", dataset)
	}
	feature, ok := features[0].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("template %s: malformed feature", dataset)
	}

	date := day.UTC().Format("2006-01-02")
	feature["id"] = itemID
	feature["bbox"] = area.STACBBox()
	feature["geometry"] = map[string]interface{}{
		"type":        "Polygon",
		"coordinates": area.Polygon(),
	}
	properties, _ := feature["properties"].(map[string]interface{})
	if properties == nil {
		properties = make(map[string]interface{})
	}
	properties["start_datetime"] = date + "T00:00:00Z"
	properties["end_datetime"] = date + "T23:59:59Z"
	properties["datetime"] = date + "T00:00:00Z"
	feature["properties"] = properties

	entries, _ := feature["assets"].(map[string]interface{})
	if entries == nil {
		entries = make(map[string]interface{})
	}
	for _, a := range assets {
		entry, _ := entries[a.AssetKey()].(map[string]interface{})
		if entry == nil {
			entry = map[string]interface{}{"roles": []string{"data"}}
		}
		entry["href"] = b.Href(a.Key)
		entries[a.AssetKey()] = entry
	}
	for key, v := range entries {
		entry, _ := v.(map[string]interface{})
		if href, _ := entry["href"].(string); href == "" {
			delete(entries, key)
		}
	}
	feature["assets"] = entries

	return json.MarshalIndent(collection, "", "  ")
}

// Href joins the download root and key, collapsing duplicate slashes outside the scheme.
func (b *Builder) Href(key string) string {
	joined := b.downloadRoot + "/" + key
	if scheme, rest, ok := strings.Cut(joined, "://"); ok {
		return scheme + "://" + slashes.ReplaceAllString(rest, "/")
	}
	return slashes.ReplaceAllString(joined, "/")
}

func (b *Builder) template(dataset string) ([]byte, error) {
	name := dataset + ".json"
	if b.templateDir != "" {
		raw, err := os.ReadFile(filepath.Join(b.templateDir, name))
		if err == nil {
			return raw, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read template %s: %w", name, err)
		}
	}
	raw, err := embedded.ReadFile("templates/" + name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTemplateMissing, dataset)
	}
	return raw, nil
}
