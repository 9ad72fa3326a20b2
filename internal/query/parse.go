package query

import (
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"gridoc/internal/domain"
)

// Options controls defaults applied by Parse. A zero DefaultLimit returns
// every match unless the request sets a limit.
type Options struct {
	DefaultLimit int
	MaxLimit     int
	DefaultSort  []SortKey
}

// DefaultOptions mirror the paging defaults of the public API.
var DefaultOptions = Options{
	DefaultLimit: 30,
	MaxLimit:     100,
	DefaultSort:  []SortKey{{Field: FieldUploadedAt, Desc: true}},
}

// VersionOrder is the default order of version listings.
var VersionOrder = []SortKey{{Field: FieldVersion, Desc: true}}

// Parse translates request parameters into a Query. Unknown parameters are
// ignored; recognised parameters with malformed values are reported as
// validation failures.
func Parse(values url.Values, opts Options) (Query, error) {
	p := parser{values: values}
	q := Query{}

	q.Filter.Filename = p.optString("filename")
	q.Filter.FilenameRegex = p.regex("filenameRegex")
	q.Filter.ContentTypes = p.stringSet("contentType")
	q.Filter.Versions = p.versionSet("version")
	q.Filter.VersionGte = p.optVersion("versionGte")
	q.Filter.VersionLte = p.optVersion("versionLte")
	q.Filter.FileIDs = p.uuidSet("fileId")
	q.Filter.LengthGte = p.optInt64("lengthGte")
	q.Filter.LengthLte = p.optInt64("lengthLte")
	q.Filter.UploadedAfter = p.optTime("uploadedAfter")
	q.Filter.UploadedBefore = p.optTime("uploadedBefore")

	q.Sort = p.sort("sort", opts.DefaultSort)
	q.Limit, q.Offset = p.window(opts)

	if p.err != nil {
		return Query{}, p.err
	}
	return q, nil
}

// parser collects the first error and turns every later lookup into a no-op.
type parser struct {
	values url.Values
	err    error
}

func (p *parser) raw(name string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v, ok := p.values[name]
	if !ok || len(v) == 0 {
		return "", false
	}
	s := strings.TrimSpace(v[len(v)-1])
	return s, s != ""
}

func (p *parser) list(name string) []string {
	if p.err != nil {
		return nil
	}
	var out []string
	for _, v := range p.values[name] {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func (p *parser) fail(format string, args ...any) {
	if p.err == nil {
		p.err = domain.Validationf(format, args...)
	}
}

func (p *parser) optString(name string) *string {
	s, ok := p.raw(name)
	if !ok {
		return nil
	}
	return &s
}

func (p *parser) stringSet(name string) []string {
	return p.list(name)
}

// versionSet parses a list of version numbers. Versions are stored as 32-bit
// integers, so anything wider is rejected here rather than by the database.
func (p *parser) versionSet(name string) []int {
	var out []int
	for _, item := range p.list(name) {
		n, err := strconv.ParseInt(item, 10, 32)
		if err != nil {
			p.fail("%s must be an integer between %d and %d, got %q", name, math.MinInt32, math.MaxInt32, item)
			return nil
		}
		out = append(out, int(n))
	}
	return out
}

func (p *parser) optVersion(name string) *int {
	s, ok := p.raw(name)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		p.fail("%s must be an integer between %d and %d, got %q", name, math.MinInt32, math.MaxInt32, s)
		return nil
	}
	v := int(n)
	return &v
}

func (p *parser) uuidSet(name string) []uuid.UUID {
	var out []uuid.UUID
	seen := make(map[uuid.UUID]struct{})
	for _, item := range p.list(name) {
		id, err := uuid.Parse(item)
		if err != nil {
			p.fail("%s must be a file id, got %q", name, item)
			return nil
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (p *parser) optInt(name string) *int {
	s, ok := p.raw(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		p.fail("%s must be an integer, got %q", name, s)
		return nil
	}
	return &n
}

func (p *parser) optInt64(name string) *int64 {
	s, ok := p.raw(name)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		p.fail("%s must be an integer, got %q", name, s)
		return nil
	}
	return &n
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func (p *parser) optTime(name string) *time.Time {
	s, ok := p.raw(name)
	if !ok {
		return nil
	}
	t, err := ParseTime(s)
	if err != nil {
		p.fail("%s must be a date, got %q", name, s)
		return nil
	}
	return &t
}

// ParseTime accepts RFC 3339 timestamps, plain dates and unix milliseconds.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

var regexLiteral = regexp.MustCompile(`^/(.*)/([a-z]*)$`)

func (p *parser) regex(name string) *regexp.Regexp {
	s, ok := p.raw(name)
	if !ok {
		return nil
	}
	pattern, err := CompileRegex(s)
	if err != nil {
		p.fail("%s is not a valid pattern: %v", name, err)
		return nil
	}
	return pattern
}

// CompileRegex accepts either a bare pattern or the /pattern/flags literal
// form; only the "i" flag is honoured.
func CompileRegex(s string) (*regexp.Regexp, error) {
	pattern := s
	if m := regexLiteral.FindStringSubmatch(s); m != nil {
		pattern = m[1]
		if strings.Contains(m[2], "i") {
			pattern = "(?i)" + pattern
		}
	}
	return regexp.Compile(pattern)
}

func (p *parser) sort(name string, fallback []SortKey) []SortKey {
	items := p.list(name)
	if len(items) == 0 {
		return append([]SortKey(nil), fallback...)
	}
	keys := make([]SortKey, 0, len(items))
	for _, item := range items {
		key := SortKey{}
		switch {
		case strings.HasPrefix(item, "-"):
			key.Desc = true
			item = item[1:]
		case strings.HasPrefix(item, "+"):
			item = item[1:]
		}
		field, ok := sortable[strings.ToLower(item)]
		if !ok {
			p.fail("cannot sort by %q", item)
			return nil
		}
		key.Field = field
		keys = append(keys, key)
	}
	return keys
}

func (p *parser) window(opts Options) (limit, offset int) {
	limit = opts.DefaultLimit
	if v := p.optInt("limit"); v != nil {
		limit = *v
		if limit < 1 {
			p.fail("limit must be greater than zero")
			return 0, 0
		}
	}
	if opts.MaxLimit > 0 && limit > opts.MaxLimit {
		p.fail("limit must be lower than or equal to %d", opts.MaxLimit)
		return 0, 0
	}

	if v := p.optInt("offset"); v != nil {
		if *v < 0 {
			p.fail("offset must not be negative")
			return 0, 0
		}
		return limit, *v
	}
	if v := p.optInt("page"); v != nil {
		if *v < 1 {
			p.fail("page must be greater than zero")
			return 0, 0
		}
		if limit > 0 && *v-1 > math.MaxInt/limit {
			p.fail("page %d is out of range", *v)
			return 0, 0
		}
		return limit, (*v - 1) * limit
	}
	return limit, 0
}
