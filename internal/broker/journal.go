package broker

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Fill is one execution as recorded in the journal.
type Fill struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	AssetClass    string    `json:"asset_class"`
	Side          string    `json:"side"`
	Qty           float64   `json:"qty"`
	Price         float64   `json:"price"`
	Multiplier    float64   `json:"multiplier"`
	SlippageBps   int       `json:"slippage_bps"`
	Timestamp     time.Time `json:"timestamp"`
}

type journalEntry struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

// Journal is an append-only JSONL record of orders and fills. An empty path keeps it in memory.
type Journal struct {
	mu        sync.Mutex
	path      string
	clientIDs map[string]bool
	fills     []Fill
}

func OpenJournal(path string) (*Journal, error) {
	j := &Journal{path: path, clientIDs: map[string]bool{}}
	if path == "" {
		return j, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return j, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var e journalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		switch e.Type {
		case "order":
			var o Order
			if json.Unmarshal(e.Data, &o) == nil && o.ClientOrderID != "" {
				j.clientIDs[o.ClientOrderID] = true
			}
		case "fill":
			var fl Fill
			if json.Unmarshal(e.Data, &fl) == nil {
				j.fills = append(j.fills, fl)
			}
		}
	}
	return j, sc.Err()
}

func (j *Journal) WriteOrder(o Order) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if o.ClientOrderID != "" {
		j.clientIDs[o.ClientOrderID] = true
	}
	return j.append("order", o)
}

func (j *Journal) WriteFill(f Fill) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fills = append(j.fills, f)
	return j.append("fill", f)
}

func (j *Journal) HasClientOrder(id string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.clientIDs[id]
}

func (j *Journal) Fills() []Fill {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Fill, len(j.fills))
	copy(out, j.fills)
	return out
}

func (j *Journal) append(kind string, v any) error {
	if j.path == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line, err := json.Marshal(journalEntry{Type: kind, Data: data, Event: time.Now().UTC()})
	if err != nil {
		return err
	}
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}
