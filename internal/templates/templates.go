// Package templates selects a message variant per recipient and renders it
// with text/template.
//
// Available fields: {{.Name}}, {{.FirstName}}, {{.Phone}} (formatted) and
// {{.Campaign}}.
package templates

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"bulksend/internal/contacts"
	"bulksend/internal/ledger"
)

const (
	SelectFixed  = "fixed"
	SelectRandom = "random"
	SelectRotate = "rotate"
)

var (
	ErrNoVariants = errors.New("templates: at least one variant is required")
	ErrSelection  = errors.New("templates: unknown selection mode")
)

type Variant struct {
	Name string
	Text string
	// File, when set, is read instead of Text.
	File string
}

type Config struct {
	Variants  []Variant
	Selection string
	// Default names the variant used by fixed selection; first variant when empty.
	Default  string
	Link     string
	Campaign string
	Seed     uint64
}

// Data is what a template sees.
type Data struct {
	Name      string
	FirstName string
	Phone     string
	Campaign  string
}

type Renderer struct {
	cfg   Config
	tmpls []*template.Template
	fixed int

	mu   sync.Mutex
	rng  *rand.Rand
	next int
}

// New parses every variant. Parse or file errors fail here, before any send.
func New(cfg Config) (*Renderer, error) {
	if len(cfg.Variants) == 0 {
		return nil, ErrNoVariants
	}
	sel := strings.ToLower(strings.TrimSpace(cfg.Selection))
	if sel == "" {
		sel = SelectFixed
	}
	switch sel {
	case SelectFixed, SelectRandom, SelectRotate:
	default:
		return nil, fmt.Errorf("%w: %q", ErrSelection, cfg.Selection)
	}
	cfg.Selection = sel

	r := &Renderer{cfg: cfg}
	seen := map[string]bool{}
	for i, v := range cfg.Variants {
		name := strings.TrimSpace(v.Name)
		if name == "" {
			name = fmt.Sprintf("variant%d", i+1)
		}
		if seen[name] {
			return nil, fmt.Errorf("templates: duplicate variant %q", name)
		}
		seen[name] = true

		text := v.Text
		if v.File != "" {
			b, err := os.ReadFile(v.File)
			if err != nil {
				return nil, fmt.Errorf("templates: variant %q: %w", name, err)
			}
			text = string(b)
		}
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("templates: variant %q is empty", name)
		}
		t, err := template.New(name).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("templates: parse %q: %w", name, err)
		}
		r.tmpls = append(r.tmpls, t)
		if name == cfg.Default {
			r.fixed = len(r.tmpls) - 1
		}
	}
	if cfg.Default != "" && !seen[cfg.Default] {
		return nil, fmt.Errorf("templates: default variant %q not defined", cfg.Default)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	r.rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	return r, nil
}

// Names lists the parsed variants, sorted.
func (r *Renderer) Names() []string {
	out := make([]string, 0, len(r.tmpls))
	for _, t := range r.tmpls {
		out = append(out, t.Name())
	}
	sort.Strings(out)
	return out
}

func (r *Renderer) pick() *template.Template {
	switch r.cfg.Selection {
	case SelectRandom:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.tmpls[r.rng.IntN(len(r.tmpls))]
	case SelectRotate:
		r.mu.Lock()
		defer r.mu.Unlock()
		t := r.tmpls[r.next%len(r.tmpls)]
		r.next++
		return t
	default:
		return r.tmpls[r.fixed]
	}
}

// Render produces the message text for rec.
func (r *Renderer) Render(rec ledger.Record) (string, error) {
	campaign := rec.CampaignTag
	if campaign == "" {
		campaign = r.cfg.Campaign
	}
	name := strings.TrimSpace(rec.DisplayName)
	d := Data{
		Name:      name,
		FirstName: firstName(name),
		Phone:     contacts.Format(rec.Identifier),
		Campaign:  campaign,
	}

	t := r.pick()
	var b strings.Builder
	if err := t.Execute(&b, d); err != nil {
		return "", fmt.Errorf("templates: render %q: %w", t.Name(), err)
	}
	out := strings.TrimSpace(b.String())
	if link := strings.TrimSpace(r.cfg.Link); link != "" {
		out += "\n\n" + link
	}
	return out, nil
}

func firstName(full string) string {
	if i := strings.IndexFunc(full, func(r rune) bool { return r == ' ' || r == '\t' }); i > 0 {
		return full[:i]
	}
	return full
}
