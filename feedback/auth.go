package feedback

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrUnauthorizedSource means a feedback comment came from an identity that
// is neither on the reviewer allow-list nor covered by a team prefix.
var ErrUnauthorizedSource = errors.New("feedback author is not an authorized reviewer")

// ReviewerValidator checks feedback authors against an allow-list and a set
// of trusted team prefixes. Results are cached with a TTL so hot paths avoid
// repeated set scans under load.
type ReviewerValidator struct {
	allowed  map[string]bool
	prefixes []string

	cacheTTL time.Duration
	mu       sync.Mutex
	cache    map[string]cachedAuth
}

type cachedAuth struct {
	authorized bool
	checkedAt  time.Time
}

const defaultAuthCacheTTL = 5 * time.Minute

// NewReviewerValidator constructs a validator from explicit identities and
// team prefixes. A "[bot]" suffixed variant of each explicit identity is
// accepted automatically, matching how forges attribute app-posted comments.
func NewReviewerValidator(allowed []string, teamPrefixes []string) *ReviewerValidator {
	set := make(map[string]bool, len(allowed)*2)
	for _, a := range allowed {
		set[a] = true
		set[a+"[bot]"] = true
	}
	return &ReviewerValidator{
		allowed:  set,
		prefixes: teamPrefixes,
		cacheTTL: defaultAuthCacheTTL,
		cache:    make(map[string]cachedAuth),
	}
}

// Validate returns nil when author may provide remediation feedback or
// advance review stages, and ErrUnauthorizedSource otherwise.
func (v *ReviewerValidator) Validate(author string) error {
	if author == "" {
		return fmt.Errorf("empty author: %w", ErrUnauthorizedSource)
	}

	v.mu.Lock()
	if entry, ok := v.cache[author]; ok && time.Since(entry.checkedAt) < v.cacheTTL {
		v.mu.Unlock()
		if entry.authorized {
			return nil
		}
		return fmt.Errorf("author %q: %w", author, ErrUnauthorizedSource)
	}
	v.mu.Unlock()

	authorized := v.allowed[author] || v.matchesPrefix(author)

	v.mu.Lock()
	v.cache[author] = cachedAuth{authorized: authorized, checkedAt: time.Now()}
	v.mu.Unlock()

	if !authorized {
		return fmt.Errorf("author %q: %w", author, ErrUnauthorizedSource)
	}
	return nil
}

func (v *ReviewerValidator) matchesPrefix(author string) bool {
	for _, p := range v.prefixes {
		if p != "" && strings.HasPrefix(author, p) {
			return true
		}
	}
	return false
}
