package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"github.com/2501Pr0ject/scrapinium/internal/types"
)

// KeyVersion prefixes every cache key. The fingerprint algorithm is a
// compatibility surface when a durable tier is shared across versions; bump the
// prefix whenever canonicalization or the field layout changes.
const KeyVersion = "v1"

// Fingerprint derives the deterministic cache key for a task spec: the
// canonical request fields joined into a byte sequence, hashed with SHA-256 and
// hex-encoded. Model and custom instructions participate only when the LLM is
// in play; a plain scrape of the same URL must map to the same key regardless
// of the configured model.
func Fingerprint(spec *types.TaskSpec, model string) string {
	var b strings.Builder
	b.WriteString(KeyVersion)
	b.WriteByte('|')
	b.WriteString(CanonicalizeURL(spec.URL))
	b.WriteByte('|')
	b.WriteString(string(spec.OutputFormat))
	b.WriteByte('|')
	if spec.UseLLM {
		b.WriteString("llm")
		b.WriteByte('|')
		b.WriteString(model)
		b.WriteByte('|')
		b.WriteString(spec.CustomInstructions)
	} else {
		b.WriteString("raw")
	}

	sum := sha256.Sum256([]byte(b.String()))
	return KeyVersion + ":" + hex.EncodeToString(sum[:])
}

// LLMKey derives the secondary cache key for an LLM response.
func LLMKey(content, instructions, model string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(instructions))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return KeyVersion + ":llm:" + hex.EncodeToString(h.Sum(nil))
}

// CanonicalizeURL normalizes a URL for fingerprinting:
// - lowercases scheme and host
// - removes fragment
// - resolves %-escapes to their canonical form
// - sorts query parameters
// - removes default ports (80 for http, 443 for https)
// - removes trailing slash (except root)
func CanonicalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	host := u.Hostname()
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		u.Host = host
	}

	// Re-encoding via Query() resolves escapes to canonical form.
	if u.RawQuery != "" {
		params := u.Query()
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var sorted []string
		for _, k := range keys {
			vals := params[k]
			sort.Strings(vals)
			for _, v := range vals {
				sorted = append(sorted, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		u.RawQuery = strings.Join(sorted, "&")
	}

	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String()
}
