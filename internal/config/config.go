package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models sheetsync.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Dispatch struct {
		Interval    time.Duration `yaml:"interval"`
		EventDriven *bool         `yaml:"event_driven"`
	} `yaml:"dispatch"`
	Journal struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"journal"`
	Datasheets []DatasheetConfig `yaml:"datasheets"`
	Lookups    []LookupConfig    `yaml:"lookups"`
	Webhooks   []WebhookConfig   `yaml:"webhooks"`
}

// DatasheetConfig seeds one datasheet at startup. Views list record ids in
// row order; when empty the default view holds every record sorted by id.
type DatasheetConfig struct {
	ID      string                       `yaml:"id"`
	Fields  map[string]FieldConfig       `yaml:"fields"`
	Records map[string]map[string]string `yaml:"records"`
	Views   [][]string                   `yaml:"views"`
}

type FieldConfig struct {
	Type        string `yaml:"type"`
	DatasheetID string `yaml:"datasheet_id,omitempty"`
	FieldID     string `yaml:"field_id,omitempty"`
}

// LookupConfig links a lookup cell to the record it references. The target
// datasheet and field come from the lookup field definition.
type LookupConfig struct {
	DatasheetID    string `yaml:"datasheet_id"`
	RecordID       string `yaml:"record_id"`
	FieldID        string `yaml:"field_id"`
	TargetRecordID string `yaml:"target_record_id"`
}

type WebhookConfig struct {
	DatasheetID string        `yaml:"datasheet_id"`
	URL         string        `yaml:"url"`
	Secret      string        `yaml:"secret,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	Enabled     *bool         `yaml:"enabled,omitempty"`
}

func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

const (
	DefaultAddr     = "127.0.0.1:8080"
	DefaultBasePath = "/v0"
	DefaultInterval = time.Second
)

// EventDriven reports whether appends wake the dispatcher. Defaults to true.
func (c *Config) EventDriven() bool {
	return c.Dispatch.EventDriven == nil || *c.Dispatch.EventDriven
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = DefaultBasePath
	}
	if c.Dispatch.Interval == 0 {
		c.Dispatch.Interval = DefaultInterval
	}
}

// Datasheet returns the seed for id.
func (c *Config) Datasheet(id string) (DatasheetConfig, bool) {
	for _, ds := range c.Datasheets {
		if ds.ID == id {
			return ds, true
		}
	}
	return DatasheetConfig{}, false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Dispatch.Interval < 0 {
		return fmt.Errorf("config.dispatch.interval must be positive")
	}
	seen := map[string]bool{}
	for i, ds := range c.Datasheets {
		if ds.ID == "" {
			return fmt.Errorf("config.datasheets[%d].id is required", i)
		}
		if seen[ds.ID] {
			return fmt.Errorf("datasheet %s defined twice", ds.ID)
		}
		seen[ds.ID] = true
	}
	for _, ds := range c.Datasheets {
		for fieldID, f := range ds.Fields {
			if fieldID == "" {
				return fmt.Errorf("datasheet %s has empty field id", ds.ID)
			}
			switch f.Type {
			case "text":
				if f.DatasheetID != "" || f.FieldID != "" {
					return fmt.Errorf("text field %s.%s cannot reference a datasheet", ds.ID, fieldID)
				}
			case "lookup":
				target, ok := c.Datasheet(f.DatasheetID)
				if !ok {
					return fmt.Errorf("lookup field %s.%s references unknown datasheet %q", ds.ID, fieldID, f.DatasheetID)
				}
				if _, ok := target.Fields[f.FieldID]; !ok {
					return fmt.Errorf("lookup field %s.%s references unknown field %s.%s", ds.ID, fieldID, f.DatasheetID, f.FieldID)
				}
			default:
				return fmt.Errorf("field %s.%s has invalid type %q", ds.ID, fieldID, f.Type)
			}
		}
		for recordID, data := range ds.Records {
			if recordID == "" {
				return fmt.Errorf("datasheet %s has empty record id", ds.ID)
			}
			for fieldID := range data {
				if _, ok := ds.Fields[fieldID]; !ok {
					return fmt.Errorf("record %s.%s sets unknown field %s", ds.ID, recordID, fieldID)
				}
			}
		}
		for i, view := range ds.Views {
			rows := map[string]bool{}
			for _, recordID := range view {
				if _, ok := ds.Records[recordID]; !ok {
					return fmt.Errorf("datasheet %s view %d lists unknown record %s", ds.ID, i, recordID)
				}
				if rows[recordID] {
					return fmt.Errorf("datasheet %s view %d lists record %s twice", ds.ID, i, recordID)
				}
				rows[recordID] = true
			}
		}
	}
	for i, l := range c.Lookups {
		ds, ok := c.Datasheet(l.DatasheetID)
		if !ok {
			return fmt.Errorf("config.lookups[%d] references unknown datasheet %q", i, l.DatasheetID)
		}
		f, ok := ds.Fields[l.FieldID]
		if !ok || f.Type != "lookup" {
			return fmt.Errorf("config.lookups[%d]: %s.%s is not a lookup field", i, l.DatasheetID, l.FieldID)
		}
		if _, ok := ds.Records[l.RecordID]; !ok {
			return fmt.Errorf("config.lookups[%d] references unknown record %s.%s", i, l.DatasheetID, l.RecordID)
		}
		if l.TargetRecordID == "" {
			return fmt.Errorf("config.lookups[%d].target_record_id is required", i)
		}
	}
	for i, w := range c.Webhooks {
		if !seen[w.DatasheetID] {
			return fmt.Errorf("config.webhooks[%d] references unknown datasheet %q", i, w.DatasheetID)
		}
		if w.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if w.Timeout < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout must be positive", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sheetsync.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with sheetsync config show > %s", path, path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the demo configuration: two datasheets with a lookup from
// 1.lookup1 onto 2.text2.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	cfg.applyDefaults()
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0

dispatch:
  interval: 1s
  event_driven: true

journal:
  enabled: true

datasheets:
  - id: "1"
    fields:
      text1: {type: text}
      text2: {type: text}
      lookup1: {type: lookup, datasheet_id: "2", field_id: text2}
    records:
      rcd1: {text1: a1, text2: b1}
      rcd2: {text1: a2, text2: b2}
    views:
      - [rcd1, rcd2]

  - id: "2"
    fields:
      text1: {type: text}
      text2: {type: text}
    records:
      rcd3: {text1: a3, text2: b3}
      rcd4: {text1: a4, text2: b4}
    views:
      - [rcd3, rcd4]

lookups:
  - datasheet_id: "1"
    record_id: rcd1
    field_id: lookup1
    target_record_id: rcd3
`
