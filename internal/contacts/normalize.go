package contacts

// Row is one CSV record reduced to the fields the normalizer reads.
type Row struct {
	Line    int
	Name    string
	Area1   string
	Number1 string
	Area2   string
	Number2 string
}

// Contact is a validated, deduplicated recipient.
type Contact struct {
	Identifier string
	Name       string
}

// Stats summarizes one normalization pass. Total counts rows, the rest count
// phone pairs.
type Stats struct {
	Total      int
	Valid      int
	Invalid    int
	Duplicates int
}

// DefaultChunkSize bounds how many rows are handled between progress reports.
const DefaultChunkSize = 1000

type Options struct {
	CountryPrefix string
	ChunkSize     int
	// Progress is called after every chunk with the rows handled so far.
	Progress func(done, total int, st Stats)
}

// Normalizer turns rows into canonical identifiers. A Normalizer keeps no
// state between Normalize calls.
type Normalizer struct {
	prefix    string
	chunkSize int
	validator *Validator
	progress  func(done, total int, st Stats)
}

func NewNormalizer(opt Options) *Normalizer {
	prefix := opt.CountryPrefix
	if prefix == "" {
		prefix = DefaultCountryPrefix
	}
	chunk := opt.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	return &Normalizer{
		prefix:    prefix,
		chunkSize: chunk,
		validator: NewValidator(prefix),
		progress:  opt.Progress,
	}
}

// Normalize validates and deduplicates every phone pair in rows. The first
// occurrence of an identifier wins and output keeps first-occurrence order.
// Dedup spans chunk boundaries through a single seen-set.
func (n *Normalizer) Normalize(rows []Row) ([]Contact, Stats) {
	st := Stats{Total: len(rows)}
	seen := make(map[string]struct{}, len(rows))
	out := make([]Contact, 0, len(rows))

	for start := 0; start < len(rows); start += n.chunkSize {
		end := start + n.chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		for _, r := range rows[start:end] {
			out = n.take(out, seen, &st, r.Area1, r.Number1, r.Name)
			out = n.take(out, seen, &st, r.Area2, r.Number2, r.Name)
		}
		if n.progress != nil {
			n.progress(end, len(rows), st)
		}
	}
	return out, st
}

func (n *Normalizer) take(out []Contact, seen map[string]struct{}, st *Stats, area, number, name string) []Contact {
	if area == "" || number == "" {
		return out
	}
	id := Canonical(n.prefix, area, number)
	if !n.validator.Valid(id) {
		st.Invalid++
		return out
	}
	if _, dup := seen[id]; dup {
		st.Duplicates++
		return out
	}
	seen[id] = struct{}{}
	st.Valid++
	return append(out, Contact{Identifier: id, Name: name})
}

// Identifiers projects contacts to their identifiers.
func Identifiers(cs []Contact) []string {
	ids := make([]string, len(cs))
	for i, c := range cs {
		ids[i] = c.Identifier
	}
	return ids
}
