package hipsconfig

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Properties is a parsed HiPS properties file.
type Properties map[string]string

// ParseProperties reads "key = value" lines; '#' starts a comment line.
func ParseProperties(r io.Reader) (Properties, error) {
	props := make(Properties)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		props[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read properties: %w", err)
	}
	return props, nil
}

func (p Properties) Get(key string) string { return p[key] }

// Int returns an integer property or def when absent.
func (p Properties) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("property %s: %w", key, err)
	}
	return n, nil
}

// Cuts returns hips_pixel_cut as (min, max).
func (p Properties) Cuts() (lo, hi float64, ok bool) {
	f := strings.Fields(p["hips_pixel_cut"])
	if len(f) != 2 {
		return 0, 0, false
	}
	var err1, err2 error
	lo, err1 = strconv.ParseFloat(f[0], 64)
	hi, err2 = strconv.ParseFloat(f[1], 64)
	return lo, hi, err1 == nil && err2 == nil && hi > lo
}
