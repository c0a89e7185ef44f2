package agent

import (
	"sync"

	"cpe-tunnel/internal/localnet"
)

type importEntry struct {
	portMapID string
	port      int
	listener  localnet.Listener
}

// portTable holds the export map (mapping id to advertised service port)
// and the import map (local port to mapping id), indexed both ways.
type portTable struct {
	mu         sync.Mutex
	exports    map[string]string
	imports    map[int]*importEntry
	importByID map[string]*importEntry
}

func newPortTable() *portTable {
	return &portTable{
		exports:    make(map[string]string),
		imports:    make(map[int]*importEntry),
		importByID: make(map[string]*importEntry),
	}
}

// setExport records svcPort for id and reports whether anything changed.
func (p *portTable) setExport(id, svcPort string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.exports[id]; ok && cur == svcPort {
		return false
	}
	p.exports[id] = svcPort
	return true
}

func (p *portTable) export(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.exports[id]
	return v, ok
}

func (p *portTable) removeExport(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.exports[id]
	delete(p.exports, id)
	return v, ok
}

func (p *portTable) importFor(id string) (*importEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.importByID[id]
	return e, ok
}

func (p *portTable) importAt(port int) (*importEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.imports[port]
	return e, ok
}

func (p *portTable) putImport(e *importEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.imports[e.port] = e
	p.importByID[e.portMapID] = e
}

func (p *portTable) removeImport(id string) (*importEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.importByID[id]
	if !ok {
		return nil, false
	}
	delete(p.importByID, id)
	if p.imports[e.port] == e {
		delete(p.imports, e.port)
	}
	return e, true
}

func (p *portTable) counts() (imports, exports int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.imports), len(p.exports)
}

// clear empties both maps and returns the imports so their listeners can
// be closed.
func (p *portTable) clear() []*importEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*importEntry, 0, len(p.imports))
	for _, e := range p.imports {
		out = append(out, e)
	}
	p.exports = make(map[string]string)
	p.imports = make(map[int]*importEntry)
	p.importByID = make(map[string]*importEntry)
	return out
}
