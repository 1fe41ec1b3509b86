package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/srg/bletag/internal/bledb"
	"github.com/srg/bletag/internal/device"
	"github.com/srg/bletag/pkg/config"
	"github.com/srg/bletag/scanner"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// formatValue renders a characteristic value as text when it is printable
// UTF-8, otherwise as hex.
func formatValue(value []byte) string {
	if len(value) == 0 {
		return "(empty)"
	}
	if utf8.Valid(value) && strings.IndexFunc(string(value), func(r rune) bool {
		return !unicode.IsPrint(r) && !unicode.IsSpace(r)
	}) < 0 {
		return fmt.Sprintf("%q", string(value))
	}
	return "0x" + strings.ToUpper(hex.EncodeToString(value))
}

// charLabel returns "<uuid> (<known name>)" or just the UUID.
func charLabel(uuid string) string {
	if name := bledb.LookupCharacteristic(uuid); name != "" {
		return fmt.Sprintf("%s (%s)", uuid, name)
	}
	return uuid
}

// truncate shortens s to n runes, ending in "..." when cut.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-3]) + "..."
}

func displayDevices(w io.Writer, entries []scanner.Entry, format string) error {
	if format == config.FormatJSON {
		return displayDevicesJSON(w, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No devices discovered")
		return nil
	}
	return displayDevicesTable(w, entries)
}

func displayDevicesTable(out io.Writer, entries []scanner.Entry) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tADDRESS\tRSSI\tSTATE\tMANUFACTURER\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 90))

	for i, e := range entries {
		manufacturer := "-"
		if id, ok := device.CompanyID(e.ManufacturerData); ok {
			manufacturer = truncate(bledb.VendorLabel(id), 28)
		}

		fmt.Fprintf(w, "%d\t%s\t%s\t%d dBm\t%s\t%s\t%s ago\n",
			i+1, truncate(e.DisplayName(), 20), e.Address, e.RSSI, e.State,
			manufacturer, time.Since(e.LastSeen).Truncate(time.Second))
	}

	return w.Flush()
}

type deviceJSON struct {
	Address          string                                 `json:"address"`
	Name             string                                 `json:"name,omitempty"`
	RSSI             int                                    `json:"rssi"`
	State            device.LinkState                       `json:"state"`
	Connectable      bool                                   `json:"connectable"`
	Services         []string                               `json:"services,omitempty"`
	ManufacturerData string                                 `json:"manufacturer_data,omitempty"`
	LastSeen         time.Time                              `json:"last_seen"`
	Values           *orderedmap.OrderedMap[string, string] `json:"values,omitempty"`
}

func toDeviceJSON(e scanner.Entry) deviceJSON {
	d := deviceJSON{
		Address:     e.Address,
		Name:        e.Name,
		RSSI:        e.RSSI,
		State:       e.State,
		Connectable: e.Connectable,
		Services:    e.Services,
		LastSeen:    e.LastSeen,
	}
	if len(e.ManufacturerData) > 0 {
		d.ManufacturerData = device.DescribeManufacturerData(e.ManufacturerData)
	}
	if e.Values != nil && e.Values.Len() > 0 {
		d.Values = orderedmap.New[string, string]()
		for pair := e.Values.Oldest(); pair != nil; pair = pair.Next() {
			d.Values.Set(pair.Key, formatValue(pair.Value))
		}
	}
	return d
}

func displayDevicesJSON(w io.Writer, entries []scanner.Entry) error {
	out := make([]deviceJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, toDeviceJSON(e))
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

func clearScreen(w io.Writer) {
	fmt.Fprint(w, "\033[2J\033[H")
}
