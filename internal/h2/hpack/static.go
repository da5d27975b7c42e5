package hpack

// staticTable is the RFC 7541 Appendix A table. Index 1 is staticTable[0].
var staticTable = [...]HeaderField{
	{":authority", ""},
	{":method", "GET"},
	{":method", "POST"},
	{":path", "/"},
	{":path", "/index.html"},
	{":scheme", "http"},
	{":scheme", "https"},
	{":status", "200"},
	{":status", "204"},
	{":status", "206"},
	{":status", "304"},
	{":status", "400"},
	{":status", "404"},
	{":status", "500"},
	{"accept-charset", ""},
	{"accept-encoding", "gzip, deflate"},
	{"accept-language", ""},
	{"accept-ranges", ""},
	{"accept", ""},
	{"access-control-allow-origin", ""},
	{"age", ""},
	{"allow", ""},
	{"authorization", ""},
	{"cache-control", ""},
	{"content-disposition", ""},
	{"content-encoding", ""},
	{"content-language", ""},
	{"content-length", ""},
	{"content-location", ""},
	{"content-range", ""},
	{"content-type", ""},
	{"cookie", ""},
	{"date", ""},
	{"etag", ""},
	{"expect", ""},
	{"expires", ""},
	{"from", ""},
	{"host", ""},
	{"if-match", ""},
	{"if-modified-since", ""},
	{"if-none-match", ""},
	{"if-range", ""},
	{"if-unmodified-since", ""},
	{"last-modified", ""},
	{"link", ""},
	{"location", ""},
	{"max-forwards", ""},
	{"proxy-authenticate", ""},
	{"proxy-authorization", ""},
	{"range", ""},
	{"referer", ""},
	{"refresh", ""},
	{"retry-after", ""},
	{"server", ""},
	{"set-cookie", ""},
	{"strict-transport-security", ""},
	{"transfer-encoding", ""},
	{"user-agent", ""},
	{"vary", ""},
	{"via", ""},
	{"www-authenticate", ""},
}

// StaticTableLen is the number of entries in the static table.
const StaticTableLen = len(staticTable)

type pairKey struct{ name, value string }

// Lookup maps are built once from staticTable and never mutated.
var (
	staticPairs = func() map[pairKey]uint64 {
		m := make(map[pairKey]uint64, len(staticTable))
		for i := len(staticTable) - 1; i >= 0; i-- {
			m[pairKey{staticTable[i].Name, staticTable[i].Value}] = uint64(i + 1)
		}
		return m
	}()

	staticNames = func() map[string]uint64 {
		m := make(map[string]uint64, len(staticTable))
		for i := len(staticTable) - 1; i >= 0; i-- {
			m[staticTable[i].Name] = uint64(i + 1)
		}
		return m
	}()
)

// StaticEntry returns the entry at 1-based index i.
func StaticEntry(i uint64) (HeaderField, bool) {
	if i == 0 || i > uint64(len(staticTable)) {
		return HeaderField{}, false
	}
	return staticTable[i-1], true
}
