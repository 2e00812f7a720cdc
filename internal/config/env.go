package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix starts every override variable. Keys inside a section are
// joined with a double underscore: SNAPNODE_GOSSIP__FANOUT=8.
const EnvPrefix = "SNAPNODE_"

var durationType = reflect.TypeOf(time.Duration(0))

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	return applyEnvStruct(reflect.ValueOf(cfg).Elem(), EnvPrefix, lookup)
}

func applyEnvStruct(v reflect.Value, prefix string, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("toml")
		if tag == "" || tag == "-" {
			continue
		}
		name := prefix + strings.ToUpper(tag)
		fv := v.Field(i)

		if field.Type.Kind() == reflect.Struct {
			if err := applyEnvStruct(fv, name+"__", lookup); err != nil {
				return err
			}
			continue
		}
		raw, ok := lookup(name)
		if !ok {
			continue
		}
		if err := setField(fv, raw); err != nil {
			return fmt.Errorf("env %s: %w", name, err)
		}
	}
	return nil
}

func setField(fv reflect.Value, raw string) error {
	raw = strings.TrimSpace(raw)
	if fv.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		fv.SetInt(int64(d))
		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetUint(n)
	case reflect.Slice:
		switch fv.Type().Elem().Kind() {
		case reflect.String:
			fv.Set(reflect.ValueOf(splitList(raw)))
		case reflect.Struct:
			return setValidators(fv, raw)
		default:
			return fmt.Errorf("unsupported list type %s", fv.Type())
		}
	default:
		return fmt.Errorf("unsupported type %s", fv.Type())
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// setValidators parses "pubkey:fid,pubkey:fid".
func setValidators(fv reflect.Value, raw string) error {
	if fv.Type() != reflect.TypeOf([]ValidatorConfig(nil)) {
		return fmt.Errorf("unsupported list type %s", fv.Type())
	}
	var vals []ValidatorConfig
	for _, item := range splitList(raw) {
		pub, fid, ok := strings.Cut(item, ":")
		if !ok {
			return fmt.Errorf("validator %q: want public_key:fid", item)
		}
		n, err := strconv.ParseUint(strings.TrimSpace(fid), 10, 64)
		if err != nil {
			return fmt.Errorf("validator %q: %w", item, err)
		}
		vals = append(vals, ValidatorConfig{PublicKey: strings.TrimSpace(pub), Fid: n})
	}
	fv.Set(reflect.ValueOf(vals))
	return nil
}
