package models

// Source identifies one of the scraped portals. The set is closed:
// adding a portal means adding a constant here plus a YAML config file,
// never new pipeline logic.
type Source string

const (
	SourceSS       Source = "ss"
	SourceCity24   Source = "city24"
	SourceMM       Source = "mm"
	SourceVarianti Source = "varianti"
)

// AllSources lists every known source in stable order.
var AllSources = []Source{SourceSS, SourceCity24, SourceMM, SourceVarianti}

// SourceAll is the pseudo-source used by aggregate quality metrics.
const SourceAll Source = "all"

func ValidSource(s Source) bool {
	for _, known := range AllSources {
		if s == known {
			return true
		}
	}
	return false
}
