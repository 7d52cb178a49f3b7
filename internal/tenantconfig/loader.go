// Package tenantconfig loads per-tenant settings from JSON files.
//
// A Loader is the builder of the tenant settings cache: one file per tenant,
// named <tenant>.json, in a single directory.
package tenantconfig

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Amund211/asyncrefresh/internal/domain"
	"github.com/Amund211/asyncrefresh/internal/logging"
)

var ErrMalformedSettings = errors.New("malformed tenant settings")

var tenantNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

type Settings struct {
	Tenant string `json:"tenant"`
	// False when the tenant has no settings file, in which case the defaults apply
	Exists      bool              `json:"exists"`
	Plan        string            `json:"plan"`
	Features    []string          `json:"features"`
	Limits      map[string]int    `json:"limits"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

func (s Settings) HasFeature(feature string) bool {
	for _, f := range s.Features {
		if f == feature {
			return true
		}
	}
	return false
}

const defaultPlan = "free"

func defaultSettings(tenant string) Settings {
	return Settings{
		Tenant:   tenant,
		Exists:   false,
		Plan:     defaultPlan,
		Features: []string{},
		Limits:   map[string]int{},
	}
}

// settingsFile is the on-disk representation
type settingsFile struct {
	Plan        string            `json:"plan"`
	Features    []string          `json:"features"`
	Limits      map[string]int    `json:"limits"`
	Annotations map[string]string `json:"annotations"`
}

func ValidTenantName(tenant string) bool {
	return tenantNamePattern.MatchString(tenant)
}

type Loader struct {
	dir string
}

func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

func (l *Loader) path(tenant string) string {
	return filepath.Join(l.dir, tenant+".json")
}

// Build reads the settings of the tenant.
//
// Unknown tenants get the default settings. Invalid tenant names fail with
// domain.ErrIllegalArgument and are never read from disk.
func (l *Loader) Build(ctx context.Context, tenant string) (Settings, error) {
	if !ValidTenantName(tenant) {
		return Settings{}, fmt.Errorf("%w: invalid tenant name %q", domain.ErrIllegalArgument, tenant)
	}

	data, err := os.ReadFile(l.path(tenant))
	if errors.Is(err, fs.ErrNotExist) {
		logging.FromContext(ctx).InfoContext(ctx, "No settings file for tenant, using defaults", "tenant", tenant)
		return defaultSettings(tenant), nil
	} else if err != nil {
		return Settings{}, fmt.Errorf("could not read settings for tenant %s: %w", tenant, err)
	}

	var file settingsFile
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&file); err != nil {
		return Settings{}, fmt.Errorf("%w: tenant %s: %w", ErrMalformedSettings, tenant, err)
	}

	settings := defaultSettings(tenant)
	settings.Exists = true
	if file.Plan != "" {
		settings.Plan = file.Plan
	}
	if file.Features != nil {
		settings.Features = file.Features
		sort.Strings(settings.Features)
	}
	for name, limit := range file.Limits {
		if limit < 0 {
			return Settings{}, fmt.Errorf("%w: tenant %s: negative limit %s", ErrMalformedSettings, tenant, name)
		}
		settings.Limits[name] = limit
	}
	settings.Annotations = file.Annotations

	return settings, nil
}

// Tenants lists the tenants with a settings file
func (l *Loader) Tenants() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("could not list tenant settings in %s: %w", l.dir, err)
	}

	tenants := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		tenant, ok := strings.CutSuffix(entry.Name(), ".json")
		if !ok || !ValidTenantName(tenant) {
			continue
		}
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)
	return tenants, nil
}
