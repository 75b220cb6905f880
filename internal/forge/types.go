package forge

import "time"

// Release describes a single published release or tag on a forge
// repository.
type Release struct {
	TagName     string
	Name        string
	Body        string
	HTMLURL     string
	PublishedAt time.Time
	Prerelease  bool
	Draft       bool
}
