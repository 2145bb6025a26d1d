package cookies

import (
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"bilidl/pkg/logger"
)

// DomainFilter limits which browser cookies are imported
var DomainFilter = "bilibili.com"

// chromeEpochOffset is the number of seconds between 1601-01-01 and the Unix epoch
const chromeEpochOffset = 11644473600

type browserKind int

const (
	kindFirefox browserKind = iota
	kindChromium
)

const (
	firefoxQuery = `SELECT host, path, isSecure, expiry, name, value, isHttpOnly
		FROM moz_cookies WHERE host LIKE ?`
	chromiumQuery = `SELECT host_key, path, is_secure, expires_utc, name, value, is_httponly
		FROM cookies WHERE host_key LIKE ?`
)

// LoadFromBrowser imports cookies from a local browser profile. spec is
// "browser[:profile]" where browser is firefox, chrome, chromium or edge and
// profile is a profile name or a directory. Only plaintext values are read;
// rows whose value is stored encrypted are skipped.
func LoadFromBrowser(spec string) (*Store, error) {
	browser, profile := parseSpec(spec)

	var kind browserKind
	var dbPath string
	var err error
	switch browser {
	case "firefox":
		kind = kindFirefox
		dbPath, err = firefoxDB(profile)
	case "chrome", "chromium", "edge":
		kind = kindChromium
		dbPath, err = chromiumDB(browser, profile)
	default:
		return NewStore(), errors.Errorf("unsupported browser: %s", browser)
	}
	if err != nil {
		return NewStore(), err
	}
	return readDB(kind, dbPath)
}

func parseSpec(spec string) (string, string) {
	browser, profile, _ := strings.Cut(spec, ":")
	return strings.ToLower(strings.TrimSpace(browser)), strings.TrimSpace(profile)
}

func firefoxDB(profile string) (string, error) {
	if isDir(profile) {
		return filepath.Join(profile, "cookies.sqlite"), nil
	}

	root, err := firefoxRoot()
	if err != nil {
		return "", err
	}
	dirs, err := filepath.Glob(filepath.Join(root, "*"))
	if err != nil {
		return "", errors.Wrap(err, "list firefox profiles")
	}
	sort.Strings(dirs)

	var candidates []string
	for _, d := range dirs {
		if _, err := os.Stat(filepath.Join(d, "cookies.sqlite")); err != nil {
			continue
		}
		base := filepath.Base(d)
		if profile != "" && base != profile && !strings.HasSuffix(base, "."+profile) {
			continue
		}
		candidates = append(candidates, d)
	}
	if len(candidates) == 0 {
		return "", errors.Errorf("no firefox profile found under %s", root)
	}
	// prefer the release profile when several match
	for _, d := range candidates {
		if strings.HasSuffix(d, ".default-release") {
			return filepath.Join(d, "cookies.sqlite"), nil
		}
	}
	return filepath.Join(candidates[0], "cookies.sqlite"), nil
}

func firefoxRoot() (string, error) {
	switch runtime.GOOS {
	case "windows":
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", errors.Wrap(err, "locate firefox profiles")
		}
		return filepath.Join(dir, "Mozilla", "Firefox", "Profiles"), nil
	case "darwin":
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", errors.Wrap(err, "locate firefox profiles")
		}
		return filepath.Join(dir, "Firefox", "Profiles"), nil
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "locate firefox profiles")
		}
		return filepath.Join(home, ".mozilla", "firefox"), nil
	}
}

func chromiumDB(browser, profile string) (string, error) {
	dir := profile
	if !isDir(dir) {
		root, err := chromiumRoot(browser)
		if err != nil {
			return "", err
		}
		if profile == "" {
			profile = "Default"
		}
		dir = filepath.Join(root, profile)
	}

	for _, p := range []string{filepath.Join(dir, "Network", "Cookies"), filepath.Join(dir, "Cookies")} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errors.Errorf("no %s cookie database under %s", browser, dir)
}

func chromiumRoot(browser string) (string, error) {
	var product []string
	switch runtime.GOOS {
	case "windows":
		product = map[string][]string{
			"chrome":   {"Google", "Chrome", "User Data"},
			"chromium": {"Chromium", "User Data"},
			"edge":     {"Microsoft", "Edge", "User Data"},
		}[browser]
		// os.UserCacheDir is %LocalAppData% on windows
		dir, err := os.UserCacheDir()
		if err != nil {
			return "", errors.Wrap(err, "locate browser profile")
		}
		return filepath.Join(append([]string{dir}, product...)...), nil
	case "darwin":
		product = map[string][]string{
			"chrome":   {"Google", "Chrome"},
			"chromium": {"Chromium"},
			"edge":     {"Microsoft Edge"},
		}[browser]
	default:
		product = map[string][]string{
			"chrome":   {"google-chrome"},
			"chromium": {"chromium"},
			"edge":     {"microsoft-edge"},
		}[browser]
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "locate browser profile")
	}
	return filepath.Join(append([]string{dir}, product...)...), nil
}

// readDB reads the matching cookie rows from a temporary copy of dbPath
func readDB(kind browserKind, dbPath string) (*Store, error) {
	tmp := filepath.Join(os.TempDir(), "bilidl_cookies_"+uuid.NewString()+".sqlite")
	if err := copyFile(dbPath, tmp); err != nil {
		return NewStore(), errors.Wrap(err, "copy cookie database")
	}
	defer os.Remove(tmp)
	if _, err := os.Stat(dbPath + "-wal"); err == nil {
		if copyFile(dbPath+"-wal", tmp+"-wal") == nil {
			defer os.Remove(tmp + "-wal")
		}
	}

	db, err := sql.Open("sqlite", tmp)
	if err != nil {
		return NewStore(), errors.Wrap(err, "open cookie database")
	}
	defer db.Close()

	query := firefoxQuery
	if kind == kindChromium {
		query = chromiumQuery
	}
	rows, err := db.Query(query, "%"+DomainFilter)
	if err != nil {
		return NewStore(), errors.Wrap(err, "query cookie database")
	}
	defer rows.Close()

	s := NewStore()
	skipped := 0
	for rows.Next() {
		var (
			host, path, name, value string
			secure, httpOnly        int64
			expires                 int64
		)
		if err := rows.Scan(&host, &path, &secure, &expires, &name, &value, &httpOnly); err != nil {
			return NewStore(), errors.Wrap(err, "scan cookie row")
		}
		if value == "" {
			skipped++
			continue
		}
		switch {
		case kind == kindChromium && expires > 0:
			expires = expires/1000000 - chromeEpochOffset
		case expires > 1e11:
			// newer firefox stores milliseconds
			expires /= 1000
		}
		s.Add(Entry{
			Domain:            host,
			IncludeSubdomains: strings.HasPrefix(host, "."),
			Path:              path,
			Secure:            secure != 0,
			HttpOnly:          httpOnly != 0,
			Expires:           expires,
			Name:              name,
			Value:             value,
		})
	}
	if err := rows.Err(); err != nil {
		return NewStore(), errors.Wrap(err, "read cookie rows")
	}

	if skipped > 0 {
		logger.GetLogger().WithField("skipped", skipped).Debug("Skipped encrypted browser cookies")
	}
	return s, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func isDir(path string) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
