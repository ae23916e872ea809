package solver

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// ParseWCSFile reads the sidecar key-value table ASTAP writes next to the
// input image. Lines look like:
//
//	CRVAL1  =   10.5 / RA of reference pixel
//	OBJCTRA = '12 34 56'
//
// Keys are case-sensitive, trailing "/ comment" is stripped, single-quoted
// values are unquoted, and values that parse as numbers become float64.
// A missing file yields an empty table, not an error.
func ParseWCSFile(path string) (map[string]any, error) {
	table := make(map[string]any)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return table, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		// Drop the FITS-style inline comment.
		value, _, _ = strings.Cut(value, "/")
		value = strings.TrimSpace(value)
		if strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'") && len(value) >= 2 {
			value = strings.TrimSpace(value[1 : len(value)-1])
		}
		if n, err := strconv.ParseFloat(value, 64); err == nil {
			table[key] = n
		} else {
			table[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return table, nil
}

// numVal returns the first of keys present in the table as a float64, or 0.
func numVal(table map[string]any, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := table[k]; ok {
			if n, ok := v.(float64); ok {
				return n
			}
		}
	}
	return 0
}
