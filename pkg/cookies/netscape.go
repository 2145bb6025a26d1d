package cookies

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"bilidl/pkg/fsutil"
)

const httpOnlyPrefix = "#HttpOnly_"

// LoadNetscape reads a Netscape format cookie file. Lines that are not
// seven tab separated fields are skipped, so a malformed file yields an
// empty store rather than an error. Only a failure to open the file is
// reported.
func LoadNetscape(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return NewStore(), errors.Wrap(err, "open cookies file")
	}
	defer f.Close()

	s := NewStore()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if e, ok := ParseLine(scanner.Text()); ok {
			s.Add(e)
		}
	}
	if err := scanner.Err(); err != nil {
		return NewStore(), errors.Wrapf(err, "read cookies file %s", path)
	}
	return s, nil
}

// ParseLine parses one cookie file line
func ParseLine(line string) (Entry, bool) {
	line = strings.TrimRight(line, "\r\n")
	httpOnly := false
	if strings.HasPrefix(line, httpOnlyPrefix) {
		httpOnly = true
		line = strings.TrimPrefix(line, httpOnlyPrefix)
	}

	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return Entry{}, false
	}

	parts := strings.Split(line, "\t")
	if len(parts) < 7 {
		return Entry{}, false
	}

	name := strings.TrimSpace(parts[5])
	if name == "" {
		return Entry{}, false
	}
	expires, _ := strconv.ParseInt(strings.TrimSpace(parts[4]), 10, 64)

	return Entry{
		Domain:            strings.TrimSpace(parts[0]),
		IncludeSubdomains: strings.EqualFold(strings.TrimSpace(parts[1]), "TRUE"),
		Path:              strings.TrimSpace(parts[2]),
		Secure:            strings.EqualFold(strings.TrimSpace(parts[3]), "TRUE"),
		HttpOnly:          httpOnly,
		Expires:           expires,
		Name:              name,
		Value:             strings.TrimSpace(parts[6]),
	}, true
}

// SaveNetscape writes every entry of the store in Netscape format
func (s *Store) SaveNetscape(path string) error {
	fsutil.EnsureParentDir(path)
	f, err := fsutil.WriteFile(path)
	if err != nil {
		return errors.Wrap(err, "create cookies file")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "# Netscape HTTP Cookie File")
	for _, e := range s.entries {
		domain := e.Domain
		if e.HttpOnly {
			domain = httpOnlyPrefix + domain
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			domain, boolField(e.IncludeSubdomains), e.Path, boolField(e.Secure), e.Expires, e.Name, e.Value)
	}
	return errors.Wrap(w.Flush(), "write cookies file")
}

func boolField(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}
