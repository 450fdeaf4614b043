package session

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/entrhq/authkeeper/pkg/autherr"
)

const (
	namePrefix = "session_"
	nameSuffix = ".enc"
)

// Key identifies one persisted session.
type Key struct {
	UserID    int64  `json:"user_id"`
	ProjectID int64  `json:"project_id"`
	Platform  string `json:"platform"`
}

// String returns the key's storage name, e.g. session_00000001_00000002_zhihu.
func (k Key) String() string {
	return fmt.Sprintf("%s%08d_%08d_%s", namePrefix, k.UserID, k.ProjectID, k.Platform)
}

// FileName returns the on-disk name for the key.
func (k Key) FileName() string {
	return k.String() + nameSuffix
}

// Validate rejects keys that cannot be stored.
func (k Key) Validate() error {
	switch {
	case k.UserID < 0 || k.ProjectID < 0:
		return autherr.New(autherr.CodeInvalidParams, "user and project ids must not be negative")
	case k.Platform == "":
		return autherr.New(autherr.CodeInvalidParams, "platform is required")
	case strings.ContainsAny(k.Platform, `/\:*?"<>| `):
		return autherr.Newf(autherr.CodeInvalidParams, "invalid platform %q", k.Platform)
	}
	return nil
}

// ParseKey parses a storage name produced by Key.String or Key.FileName.
func ParseKey(name string) (Key, error) {
	name = strings.TrimSuffix(name, nameSuffix)
	rest, ok := strings.CutPrefix(name, namePrefix)
	if !ok {
		return Key{}, fmt.Errorf("not a session name: %q", name)
	}

	parts := strings.SplitN(rest, "_", 3)
	if len(parts) != 3 || parts[2] == "" {
		return Key{}, fmt.Errorf("malformed session name: %q", name)
	}
	user, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("malformed user id in %q: %w", name, err)
	}
	project, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("malformed project id in %q: %w", name, err)
	}
	return Key{UserID: user, ProjectID: project, Platform: parts[2]}, nil
}
