package config

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/code-court/courthouse/internal/models"
	"github.com/code-court/courthouse/internal/store"
)

// Values reads the configuration table and coerces rows by valType.
// Lookups hit the store on every call so operator changes take effect
// promptly; callers should read once per request, not cache process-wide.
type Values struct {
	st store.Store
}

// NewValues wraps a store for configuration access.
func NewValues(st store.Store) *Values {
	return &Values{st: st}
}

// Int returns the integer configuration value, or def when the key is
// missing or not an integer.
func (v *Values) Int(ctx context.Context, key string, def int) int {
	c, err := v.st.ConfigurationByKey(ctx, key)
	if err != nil || c.ValType != models.ConfigInteger {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(c.Val))
	if err != nil {
		return def
	}
	return n
}

// Bool returns the boolean configuration value. The seed data stores
// Python-style "True"/"False"; both those and strconv forms parse.
func (v *Values) Bool(ctx context.Context, key string, def bool) bool {
	c, err := v.st.ConfigurationByKey(ctx, key)
	if err != nil || c.ValType != models.ConfigBool {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(c.Val)) {
	case "true", "1", "t", "yes":
		return true
	case "false", "0", "f", "no":
		return false
	}
	return def
}

// String returns the string configuration value or def.
func (v *Values) String(ctx context.Context, key, def string) string {
	c, err := v.st.ConfigurationByKey(ctx, key)
	if err != nil || c.ValType != models.ConfigString {
		return def
	}
	return c.Val
}

// JSON unmarshals a json-typed configuration value into out.
func (v *Values) JSON(ctx context.Context, key string, out interface{}) error {
	c, err := v.st.ConfigurationByKey(ctx, key)
	if err != nil {
		return err
	}
	if c.ValType != models.ConfigJSON {
		return errors.New("config: value is not json typed")
	}
	return json.Unmarshal([]byte(c.Val), out)
}
