package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

// Config paths are "<section>.<setting>" using the JSON names from the
// config file, e.g. "presence.quietPeriodMs" or "telegram.allowFrom".

// GetByPath returns the current value of a setting.
func GetByPath(cfg *Config, path string) (any, error) {
	f, err := settingField(cfg, path)
	if err != nil {
		return nil, err
	}
	return f.Interface(), nil
}

// SetByPath parses value according to the setting's type and stores it in
// cfg. Lists take comma-separated values; an empty value clears them. cfg is
// left unchanged on error. Callers still run Validate before saving.
func SetByPath(cfg *Config, path, value string) error {
	f, err := settingField(cfg, path)
	if err != nil {
		return err
	}
	v, err := parseSetting(f.Type(), strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	f.Set(v)
	return nil
}

// ListPaths returns every setting path with its current value.
func ListPaths(cfg *Config) map[string]any {
	out := make(map[string]any)
	root := reflect.ValueOf(cfg).Elem()
	for i := range root.NumField() {
		section := jsonName(root.Type().Field(i))
		sv := root.Field(i)
		for j := range sv.NumField() {
			out[section+"."+jsonName(sv.Type().Field(j))] = sv.Field(j).Interface()
		}
	}
	return out
}

func settingField(cfg *Config, path string) (reflect.Value, error) {
	section, key, ok := strings.Cut(path, ".")
	if !ok || section == "" || key == "" || strings.Contains(key, ".") {
		return reflect.Value{}, fmt.Errorf("invalid config path %q: want section.setting", path)
	}
	sv, ok := fieldByJSONName(reflect.ValueOf(cfg).Elem(), section)
	if !ok {
		return reflect.Value{}, fmt.Errorf("unknown config section %q (one of %s)", section, strings.Join(sections(), ", "))
	}
	f, ok := fieldByJSONName(sv, key)
	if !ok {
		return reflect.Value{}, fmt.Errorf("unknown setting %q in section %q", key, section)
	}
	return f, nil
}

func fieldByJSONName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := range t.NumField() {
		if jsonName(t.Field(i)) == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "" {
		return f.Name
	}
	return name
}

func sections() []string {
	t := reflect.TypeFor[Config]()
	out := make([]string, t.NumField())
	for i := range t.NumField() {
		out[i] = jsonName(t.Field(i))
	}
	return out
}

func parseSetting(t reflect.Type, s string) (reflect.Value, error) {
	v := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return v, fmt.Errorf("expected true or false, got %q", s)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, t.Bits())
		if err != nil {
			return v, fmt.Errorf("expected an integer, got %q", s)
		}
		v.SetInt(n)
	case reflect.Slice:
		if t.Elem().Kind() != reflect.String {
			return v, fmt.Errorf("unsupported list type %s", t)
		}
		var items []string
		for item := range strings.SplitSeq(s, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		if len(items) > 0 {
			v = reflect.ValueOf(items).Convert(t)
		}
	default:
		return v, fmt.Errorf("unsupported setting type %s", t)
	}
	return v, nil
}

// Sanitize returns a copy of the config with sensitive values masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var masked Config
	if err := json.Unmarshal(data, &masked); err != nil {
		return cfg
	}

	if masked.Telegram.Token != "" {
		masked.Telegram.Token = maskString(masked.Telegram.Token)
	}
	if masked.Store.PostgresURL != "" {
		masked.Store.PostgresURL = maskURLPassword(masked.Store.PostgresURL)
	}
	return &masked
}

// maskURLPassword hides the password of a connection URL.
func maskURLPassword(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); !ok {
		return raw
	}
	u.User = url.UserPassword(u.User.Username(), "***")
	return u.String()
}

// maskString keeps the first and last 4 characters of a token.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
