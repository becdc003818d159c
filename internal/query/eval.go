package query

import (
	"path/filepath"
	"time"

	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

// Candidate is what Evaluate matches a parsed Expr against: an address plus
// whatever stat/metadata a driver already has to hand (a driver evaluates
// cheaper attributes like name/path without ever calling Stat).
type Candidate struct {
	Address shepherdapi.Address
	Depth   int
	Stat    *shepherdapi.Stat
}

// Evaluate decides whether candidate satisfies expr. It returns
// UnsupportedPredicate if expr references an attribute the candidate has no
// data for (e.g. a Stat-dependent attribute when Stat is nil), so the
// driver can surface the exact predicate it cannot honour (§6).
func Evaluate(expr Expr, c Candidate) (bool, error) {
	if expr == nil {
		return true, nil
	}

	switch e := expr.(type) {
	case *And:
		left, err := Evaluate(e.Left, c)
		if err != nil {
			return false, err
		}
		if !left {
			return false, nil
		}
		return Evaluate(e.Right, c)
	case *Or:
		left, err := Evaluate(e.Left, c)
		if err != nil {
			return false, err
		}
		if left {
			return true, nil
		}
		return Evaluate(e.Right, c)
	case *Predicate:
		ok, err := evaluatePredicate(e, c)
		if err != nil {
			return false, err
		}
		if e.Negate {
			return !ok, nil
		}
		return ok, nil
	default:
		return false, shepherdapi.New(shepherdapi.KindUnsupportedPredicate, "unrecognised expression node %T", expr)
	}
}

func evaluatePredicate(p *Predicate, c Candidate) (bool, error) {
	if p.IsMetadata {
		if c.Stat == nil || c.Stat.Metadata == nil {
			return false, shepherdapi.New(shepherdapi.KindUnsupportedPredicate, "metadata key %q is not available for %s", p.MetaKey, c.Address)
		}
		got, ok := c.Stat.Metadata[p.MetaKey]
		if !ok {
			return false, nil
		}
		return compareString(got, p.Raw, p.Comparator), nil
	}

	switch p.Attribute {
	case AttrName:
		return compareString(filepath.Base(string(c.Address)), p.Raw, p.Comparator), nil
	case AttrPath:
		return compareString(string(c.Address), p.Raw, p.Comparator), nil
	case AttrDepth:
		return compareNumeric(float64(c.Depth), p.Value, p.Comparator), nil
	case AttrSize:
		if c.Stat == nil || c.Stat.Size == nil {
			return false, shepherdapi.New(shepherdapi.KindUnsupportedPredicate, "size is not available for %s", c.Address)
		}
		return compareNumeric(float64(*c.Stat.Size), p.Value, p.Comparator), nil
	case AttrMTime:
		return compareTime(c.Stat, func(s *shepherdapi.Stat) *time.Time { return s.MTime }, p, c.Address)
	case AttrCTime:
		return compareTime(c.Stat, func(s *shepherdapi.Stat) *time.Time { return s.CTime }, p, c.Address)
	case AttrATime:
		return compareTime(c.Stat, func(s *shepherdapi.Stat) *time.Time { return s.ATime }, p, c.Address)
	case AttrOwner:
		if c.Stat == nil {
			return false, shepherdapi.New(shepherdapi.KindUnsupportedPredicate, "owner is not available for %s", c.Address)
		}
		return compareString(c.Stat.Owner, p.Raw, p.Comparator), nil
	case AttrGroup:
		if c.Stat == nil {
			return false, shepherdapi.New(shepherdapi.KindUnsupportedPredicate, "group is not available for %s", c.Address)
		}
		return compareString(c.Stat.Group, p.Raw, p.Comparator), nil
	default:
		return false, shepherdapi.New(shepherdapi.KindUnsupportedPredicate, "unsupported attribute %q", p.Attribute)
	}
}

func compareTime(stat *shepherdapi.Stat, get func(*shepherdapi.Stat) *time.Time, p *Predicate, addr shepherdapi.Address) (bool, error) {
	if stat == nil {
		return false, shepherdapi.New(shepherdapi.KindUnsupportedPredicate, "%s is not available for %s", p.Attribute, addr)
	}
	ts := get(stat)
	if ts == nil {
		return false, shepherdapi.New(shepherdapi.KindUnsupportedPredicate, "%s is not available for %s", p.Attribute, addr)
	}

	if p.HasUnit {
		// a duration unit (e.g. "3 days") means "older/younger than now
		// minus the duration", not an absolute timestamp.
		age := time.Since(*ts).Seconds()
		return compareNumeric(age, p.Value, p.Comparator), nil
	}

	asUnix, err := parseTimestamp(p.Raw)
	if err != nil {
		return false, err
	}
	return compareNumeric(float64(ts.Unix()), asUnix, p.Comparator), nil
}

func parseTimestamp(raw string) (float64, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "expected an RFC3339 timestamp or a duration-suffixed value, got %q", raw)
	}
	return float64(t.Unix()), nil
}

func compareNumeric(got, want float64, cmp Comparator) bool {
	switch cmp {
	case Eq:
		return got == want
	case Gt:
		return got > want
	case Ge:
		return got >= want
	case Lt:
		return got < want
	case Le:
		return got <= want
	default:
		return false
	}
}

func compareString(got, want string, cmp Comparator) bool {
	switch cmp {
	case Eq:
		return got == want
	case Gt:
		return got > want
	case Ge:
		return got >= want
	case Lt:
		return got < want
	case Le:
		return got <= want
	default:
		return false
	}
}
