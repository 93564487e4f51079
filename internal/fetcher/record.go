package fetcher

// Record is one channel as listed by a source. Optional fields are "" when absent.
type Record struct {
	Name  string
	Group string
	URL   string
	TvgID string
	Logo  string
}
