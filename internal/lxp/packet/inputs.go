package packet

import "github.com/jaredmauch/eg4-bridge/internal/lxp/serial"

// InputPage identifies one of the up to six consecutive ReadInput register
// blocks an inverter reports. Pages 1-3 are required to assemble a
// publishable snapshot; pages 4-6 are optional extensions some firmware
// revisions omit entirely.
type InputPage int

const (
	InputPage1 InputPage = iota + 1
	InputPage2
	InputPage3
	InputPage4
	InputPage5
	InputPage6
)

// InputsStore accumulates ReadInput pages per-inverter until enough are
// present to emit one coherent snapshot (§4.7). It holds no timing state;
// callers decide when a page is stale.
type InputsStore struct {
	pages map[serial.Serial]map[InputPage]TranslatedData
}

// NewInputsStore returns an empty store.
func NewInputsStore() *InputsStore {
	return &InputsStore{pages: make(map[serial.Serial]map[InputPage]TranslatedData)}
}

// Put records a ReadInput reply as the given inverter's page and reports
// whether pages 1-3 are now all present (the snapshot-ready condition).
// Re-delivering a page that is already stored overwrites it but does not
// by itself trigger re-emission; callers should only emit once per
// transition into "ready".
func (s *InputsStore) Put(inv serial.Serial, page InputPage, td TranslatedData) (ready bool) {
	m, ok := s.pages[inv]
	if !ok {
		m = make(map[InputPage]TranslatedData)
		s.pages[inv] = m
	}
	wasReady := s.hasRequired(m)
	m[page] = td
	nowReady := s.hasRequired(m)
	return nowReady && !wasReady
}

func (s *InputsStore) hasRequired(m map[InputPage]TranslatedData) bool {
	_, ok1 := m[InputPage1]
	_, ok2 := m[InputPage2]
	_, ok3 := m[InputPage3]
	return ok1 && ok2 && ok3
}

// Snapshot returns the currently stored pages for inv, keyed by page
// number. Optional pages 4-6 are included if present. The caller owns the
// returned map.
func (s *InputsStore) Snapshot(inv serial.Serial) map[InputPage]TranslatedData {
	m := s.pages[inv]
	out := make(map[InputPage]TranslatedData, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Reset clears all pages held for inv, used when the inverter disconnects
// so a later reconnect starts from a clean slate rather than mixing pages
// from two different sessions.
func (s *InputsStore) Reset(inv serial.Serial) {
	delete(s.pages, inv)
}
