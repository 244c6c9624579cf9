package payment

import (
	"bufio"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/yuki402/agent/internal/amount"
)

// MarkerTag is the info string of a fenced block carrying a payment requirement.
const MarkerTag = "x402"

// Marker is a payment requirement extracted from assistant text.
type Marker struct {
	Endpoint string
	Amount   string
}

type markerPayload struct {
	Endpoint  string `json:"endpoint"`
	Amount    string `json:"amount"`
	BaseUnits *int64 `json:"base_units"`
	Decimals  *int   `json:"decimals"`
	Symbol    string `json:"symbol"`
}

// Scan returns every well-formed payment marker in text, in order.
//
// A marker is a fenced block tagged x402 holding a JSON object with an
// http(s) endpoint and either a display amount or base units:
//
//	```x402
//	{"endpoint": "https://api.example.com/report", "base_units": 50000000, "decimals": 9, "symbol": "SOL"}
//	```
//
// Malformed or unterminated blocks are skipped.
func Scan(text string) []Marker {
	var (
		markers []Marker
		body    strings.Builder
		inBlock bool
	)

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !inBlock {
			if strings.HasPrefix(line, "```") && strings.TrimSpace(strings.TrimPrefix(line, "```")) == MarkerTag {
				inBlock = true
				body.Reset()
			}
			continue
		}
		if line == "```" {
			inBlock = false
			if m, ok := parseMarker(body.String()); ok {
				markers = append(markers, m)
			}
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	return markers
}

func parseMarker(raw string) (Marker, bool) {
	var p markerPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Marker{}, false
	}

	u, err := url.Parse(p.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Marker{}, false
	}

	display := strings.TrimSpace(p.Amount)
	if display == "" && p.BaseUnits != nil {
		decimals := amount.NativeDecimals
		if p.Decimals != nil {
			decimals = *p.Decimals
		}
		s, err := amount.FormatNative(*p.BaseUnits, decimals)
		if err != nil {
			return Marker{}, false
		}
		display = s
		if p.Symbol != "" {
			display += " " + p.Symbol
		}
	}
	if display == "" {
		return Marker{}, false
	}

	return Marker{Endpoint: p.Endpoint, Amount: display}, true
}
