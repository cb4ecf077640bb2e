package failure

import (
	"errors"
	"strings"
)

// rule pairs a pure predicate over the error text with the classification it
// implies. Rules are evaluated in order and the first match wins, so more
// specific signatures must precede broader ones. Adding a signature means
// appending a rule, nothing else.
type rule struct {
	match func(msg string) bool
	class Classification
}

func contains(substr string) func(string) bool {
	return func(msg string) bool { return strings.Contains(msg, substr) }
}

// classificationRules maps known failure text signatures to classes. The
// storage signatures mirror the kernel and NFS error strings seen when shared
// network storage vanishes under a run.
var classificationRules = []rule{
	// Deployment signatures first: these are narrower than the storage
	// signatures they would otherwise match.
	{contains("executable file not found"), ClassDeployment},
	{contains("is not mounted"), ClassDeployment},
	{contains("mount point does not exist"), ClassDeployment},

	// Storage.
	{contains("read-only file system"), ClassStorage},
	{contains("input/output error"), ClassStorage},
	{contains("i/o error"), ClassStorage},
	{contains("stale file handle"), ClassStorage},
	{contains("stale nfs file handle"), ClassStorage},
	{contains("transport endpoint is not connected"), ClassStorage},
	{contains("broken pipe"), ClassStorage},
	{contains("permission denied"), ClassStorage},
	{contains("no such device"), ClassStorage},
	{contains("device or resource busy"), ClassStorage},
	{contains("disk quota exceeded"), ClassStorage},

	// Network.
	{contains("connection refused"), ClassNetwork},
	{contains("connection reset by peer"), ClassNetwork},
	{contains("no route to host"), ClassNetwork},
	{contains("network is unreachable"), ClassNetwork},
	{contains("temporary failure in name resolution"), ClassNetwork},
	{contains("i/o timeout"), ClassNetwork},

	// Resource.
	{contains("signal: killed"), ClassResource},
	{contains("out of memory"), ClassResource},
	{contains("cannot allocate memory"), ClassResource},
	{contains("context deadline exceeded"), ClassResource},
	{contains("resource temporarily unavailable"), ClassResource},
}

// Classify assigns an error to exactly one classification. An explicit
// ClassifiedError wins; otherwise the ordered signature table is consulted
// against the lower-cased error text; anything unmatched is an Application
// failure (the tool ran and produced a negative outcome).
func Classify(err error) Classification {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class()
	}

	msg := strings.ToLower(err.Error())
	for _, r := range classificationRules {
		if r.match(msg) {
			return r.class
		}
	}

	return ClassApplication
}

// FailingPath extracts the recorded filesystem path from a classified error,
// if one was attached at the point of failure.
func FailingPath(err error) string {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Path()
	}
	return ""
}
