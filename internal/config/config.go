// Package config holds mount options and their validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"os/user"
	"regexp"
	"strconv"
	"strings"
)

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://api.rdm.nii.ac.jp/v2/"

// S3Direct maps one storage provider onto a bucket reached directly,
// bypassing the storage bridge.
type S3Direct struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Prefix    string
}

// Options holds everything a mount needs. Flag parsing fills it in;
// Validate runs before any network or mount activity.
type Options struct {
	// Upstream
	BaseURL string
	Token   string

	// Mount selection
	ProjectID   string
	AllProjects bool
	Mountpoint  string

	// Presentation
	FileMode uint32
	DirMode  uint32
	UID      uint32
	GID      uint32

	// FUSE
	AllowOther bool
	DebugFuse  bool

	// Writes
	WhitelistPath string

	// Direct S3 access, keyed by provider name
	S3Direct map[string]S3Direct

	// Observability
	MetricsAddr string
	Debug       bool
	LogFormat   string
}

// Validate rejects option combinations that cannot produce a working
// mount.
func (o *Options) Validate() error {
	if o.Mountpoint == "" {
		return fmt.Errorf("mountpoint is required")
	}
	if o.AllProjects && o.ProjectID != "" {
		return fmt.Errorf("-project and -all-projects are mutually exclusive")
	}
	if !o.AllProjects && o.ProjectID == "" {
		return fmt.Errorf("either -project or -all-projects must be specified")
	}
	if o.Token == "" {
		return fmt.Errorf("no access token: run the login command or set RDMOUNT_TOKEN")
	}
	u, err := url.Parse(o.BaseURL)
	if err != nil || u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("invalid base URL %q", o.BaseURL)
	}
	return nil
}

var modePattern = regexp.MustCompile(`^0[0-7]+$`)

// ParseMode parses an octal permission string with a leading zero,
// e.g. "0644".
func ParseMode(s string) (uint32, error) {
	if !modePattern.MatchString(s) {
		return 0, fmt.Errorf("unexpected mode: %s", s)
	}
	n, err := strconv.ParseUint(s[1:], 8, 32)
	if err != nil {
		return 0, fmt.Errorf("unexpected mode: %s", s)
	}
	return uint32(n), nil
}

// ResolveOwner turns a user name or numeric uid into a uid. Empty means
// the current user.
func ResolveOwner(s string) (uint32, error) {
	if s == "" {
		return uint32(os.Getuid()), nil
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(n), nil
	}
	u, err := user.Lookup(s)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("non-numeric uid %q for user %s", u.Uid, s)
	}
	return uint32(n), nil
}

// ResolveGroup turns a group name or numeric gid into a gid. Empty
// means the current group.
func ResolveGroup(s string) (uint32, error) {
	if s == "" {
		return uint32(os.Getgid()), nil
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(n), nil
	}
	g, err := user.LookupGroup(s)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(g.Gid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("non-numeric gid %q for group %s", g.Gid, s)
	}
	return uint32(n), nil
}

// ParseS3Direct parses repeated provider=bucket[@endpoint] mappings.
// Credentials and region come from the standard AWS environment
// variables and apply to every mapping.
func ParseS3Direct(values []string) (map[string]S3Direct, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]S3Direct, len(values))
	for _, v := range values {
		name, rest, ok := strings.Cut(v, "=")
		if !ok || name == "" || rest == "" {
			return nil, fmt.Errorf("malformed s3 mapping %q (want provider=bucket[@endpoint])", v)
		}
		bucket, endpoint, _ := strings.Cut(rest, "@")
		if bucket == "" {
			return nil, fmt.Errorf("malformed s3 mapping %q: empty bucket", v)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("duplicate s3 mapping for provider %s", name)
		}
		out[name] = S3Direct{
			Bucket:    bucket,
			Endpoint:  endpoint,
			Region:    envOr("AWS_REGION", "us-east-1"),
			AccessKey: os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		}
	}
	return out, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
