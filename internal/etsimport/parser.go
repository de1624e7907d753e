package etsimport

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/nerrad567/knxlink/internal/bridges/knx"
)

// MaxFileSize is the largest export accepted (50MB).
const MaxFileSize = 50 * 1024 * 1024

// Format names reported in Result.Format.
const (
	FormatKNXProj = "knxproj"
	FormatXML     = "xml"
	FormatCSV     = "csv"
)

// pathSeparator joins group range names into Entry.Location.
const pathSeparator = " > "

// Entry is one group address read from an export.
type Entry struct {
	Address  knx.GroupAddress
	Name     string
	DPT      string // normalised, empty when ETS had none
	Location string // group range path, e.g. "Lighting > Kitchen"
}

// Skip records an address the import left out.
type Skip struct {
	Address string
	Name    string
	Reason  string
}

// Result is the outcome of parsing one export.
type Result struct {
	Format  string
	Entries []Entry
	Skipped []Skip
}

// rawAddress is an address as found in the file, before normalisation.
type rawAddress struct {
	address, name, dpt, location string
}

// ParseFile reads and parses the export at path.
func ParseFile(path string) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading ETS export: %w", err)
	}
	if info.Size() > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("reading ETS export: %w", err)
	}
	return Parse(data, path)
}

// Parse parses an export. The filename extension selects the format; an
// unknown extension falls back to sniffing the content.
func Parse(data []byte, filename string) (*Result, error) {
	if len(data) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	var (
		raw    []rawAddress
		format string
		err    error
	)
	switch ext := strings.ToLower(filepath.Ext(filename)); {
	case ext == ".knxproj" || (ext != ".xml" && ext != ".csv" && isZipFile(data)):
		format = FormatKNXProj
		raw, err = parseKNXProj(data)
	case ext == ".xml" || (ext != ".csv" && isXMLFile(data)):
		format = FormatXML
		raw, err = parseXML(data)
	case ext == ".csv":
		format = FormatCSV
		raw, err = parseCSV(data)
	default:
		return nil, ErrInvalidFile
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrNoGroupAddresses
	}

	res := &Result{Format: format}
	seen := make(map[knx.GroupAddress]bool, len(raw))
	for _, r := range raw {
		ga, err := normaliseGA(r.address)
		if err != nil {
			res.Skipped = append(res.Skipped, Skip{Address: r.address, Name: r.name, Reason: SkipInvalidAddress})
			continue
		}
		if seen[ga] {
			res.Skipped = append(res.Skipped, Skip{Address: ga.String(), Name: r.name, Reason: SkipDuplicate})
			continue
		}
		seen[ga] = true
		res.Entries = append(res.Entries, Entry{
			Address:  ga,
			Name:     strings.TrimSpace(r.name),
			DPT:      normaliseDPT(r.dpt),
			Location: r.location,
		})
	}
	if len(res.Entries) == 0 {
		return nil, ErrNoGroupAddresses
	}
	return res, nil
}

// parseKNXProj reads GroupAddresses.xml from the archive, or the project's
// 0.xml when the export has none.
func parseKNXProj(data []byte) ([]rawAddress, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptArchive, err)
	}

	var groupAddresses, project *zip.File
	for _, f := range reader.File {
		switch strings.ToLower(filepath.Base(f.Name)) {
		case "groupaddresses.xml":
			groupAddresses = f
		case "0.xml":
			if project == nil {
				project = f
			}
		}
	}

	switch {
	case groupAddresses != nil:
		content, err := readZipFile(groupAddresses)
		if err != nil {
			return nil, err
		}
		return parseGroupAddressesXML(content)
	case project != nil:
		content, err := readZipFile(project)
		if err != nil {
			return nil, err
		}
		return parseProjectXML(content)
	default:
		return nil, ErrNoGroupAddresses
	}
}

// xmlGroupAddress and xmlGroupRange cover both the GroupAddresses.xml
// export and the GroupRanges tree inside 0.xml.
type xmlGroupAddress struct {
	Address string `xml:"Address,attr"`
	Name    string `xml:"Name,attr"`
	DPT     string `xml:"DatapointType,attr"`
}

type xmlGroupRange struct {
	Name      string            `xml:"Name,attr"`
	Ranges    []xmlGroupRange   `xml:"GroupRange"`
	Addresses []xmlGroupAddress `xml:"GroupAddress"`
}

func walkRanges(ranges []xmlGroupRange, path string, out []rawAddress) []rawAddress {
	for _, r := range ranges {
		current := r.Name
		if path != "" {
			current = path + pathSeparator + r.Name
		}
		for _, a := range r.Addresses {
			out = append(out, rawAddress{address: a.Address, name: a.Name, dpt: a.DPT, location: current})
		}
		out = walkRanges(r.Ranges, current, out)
	}
	return out
}

// parseGroupAddressesXML parses the ETS "Export Group Addresses" XML.
func parseGroupAddressesXML(data []byte) ([]rawAddress, error) {
	var doc struct {
		XMLName xml.Name        `xml:"GroupAddresses"`
		Ranges  []xmlGroupRange `xml:"GroupRange"`
	}
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	return walkRanges(doc.Ranges, "", nil), nil
}

// parseProjectXML parses the group ranges of an ETS 0.xml project file,
// where addresses are stored as 16-bit integers.
func parseProjectXML(data []byte) ([]rawAddress, error) {
	var doc struct {
		XMLName xml.Name        `xml:"KNX"`
		Ranges  []xmlGroupRange `xml:"Project>Installations>Installation>GroupAddresses>GroupRanges>GroupRange"`
	}
	if err := xml.Unmarshal(data, &doc); err != nil {
		return parseGenericXML(data)
	}
	if raw := walkRanges(doc.Ranges, "", nil); len(raw) > 0 {
		return raw, nil
	}
	return parseGenericXML(data)
}

// parseXML parses a standalone XML export, falling back to a scan for
// GroupAddress elements anywhere in the document.
func parseXML(data []byte) ([]rawAddress, error) {
	if raw, err := parseGroupAddressesXML(data); err == nil && len(raw) > 0 {
		return raw, nil
	}
	return parseGenericXML(data)
}

func parseGenericXML(data []byte) ([]rawAddress, error) {
	var out []rawAddress
	decoder := xml.NewDecoder(bytes.NewReader(data))
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
		}
		se, ok := token.(xml.StartElement)
		if !ok || se.Name.Local != "GroupAddress" {
			continue
		}
		var a rawAddress
		for _, attr := range se.Attr {
			switch attr.Name.Local {
			case "Address":
				a.address = attr.Value
			case "Name":
				a.name = attr.Value
			case "DatapointType", "DPT":
				if a.dpt == "" {
					a.dpt = attr.Value
				}
			}
		}
		if a.address != "" {
			out = append(out, a)
		}
	}
	return out, nil
}

// parseCSV parses an ETS CSV export. The header row names the columns;
// the delimiter is whichever of ';', tab or ',' the header uses.
func parseCSV(data []byte) ([]rawAddress, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	header, _, _ := bytes.Cut(data, []byte("\n"))

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = sniffDelimiter(string(header))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	if len(records) < 2 { //nolint:mnd // header plus at least one row
		return nil, ErrNoGroupAddresses
	}

	cols := make(map[string]int, len(records[0]))
	for i, col := range records[0] {
		cols[strings.ToLower(strings.TrimSpace(col))] = i
	}
	addrCol := findColumn(cols, "address", "group address", "groupaddress", "ga")
	if addrCol < 0 {
		return nil, fmt.Errorf("%w: no address column", ErrInvalidFile)
	}
	nameCol := findColumn(cols, "group name", "name", "description")
	dptCol := findColumn(cols, "datapointtype", "datapoint type", "dpt")

	var out []rawAddress
	for _, rec := range records[1:] {
		a := rawAddress{address: field(rec, addrCol)}
		if a.address == "" {
			continue
		}
		a.name = field(rec, nameCol)
		a.dpt = field(rec, dptCol)
		out = append(out, a)
	}
	return out, nil
}

func sniffDelimiter(header string) rune {
	for _, d := range []rune{';', '\t'} {
		if strings.ContainsRune(header, d) {
			return d
		}
	}
	return ','
}

func findColumn(cols map[string]int, names ...string) int {
	for _, name := range names {
		if i, ok := cols[name]; ok {
			return i
		}
	}
	return -1
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", ErrCorruptArchive, f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, MaxFileSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrCorruptArchive, f.Name, err)
	}
	return data, nil
}

func isZipFile(data []byte) bool {
	return len(data) >= 4 && data[0] == 'P' && data[1] == 'K'
}

func isXMLFile(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeftFunc(data, unicode.IsSpace), []byte("<"))
}

// normaliseGA accepts 3-level (1/2/3), 2-level (1/515) and integer (2563)
// group addresses.
func normaliseGA(addr string) (knx.GroupAddress, error) {
	addr = strings.TrimSpace(addr)
	switch strings.Count(addr, "/") {
	case 2: //nolint:mnd // main/middle/sub
		return knx.ParseGroupAddress(addr)
	case 1:
		mainStr, subStr, _ := strings.Cut(addr, "/")
		main, err := strconv.ParseUint(mainStr, 10, 5)
		if err != nil {
			return knx.GroupAddress{}, fmt.Errorf("%w: %q", knx.ErrInvalidGroupAddress, addr)
		}
		sub, err := strconv.ParseUint(subStr, 10, 11)
		if err != nil {
			return knx.GroupAddress{}, fmt.Errorf("%w: %q", knx.ErrInvalidGroupAddress, addr)
		}
		return checkGA(knx.GroupAddressFromUint16(uint16(main<<11|sub)), addr)
	case 0:
		n, err := strconv.ParseUint(addr, 10, 16)
		if err != nil {
			return knx.GroupAddress{}, fmt.Errorf("%w: %q", knx.ErrInvalidGroupAddress, addr)
		}
		return checkGA(knx.GroupAddressFromUint16(uint16(n)), addr)
	default:
		return knx.GroupAddress{}, fmt.Errorf("%w: %q", knx.ErrInvalidGroupAddress, addr)
	}
}

func checkGA(ga knx.GroupAddress, addr string) (knx.GroupAddress, error) {
	if !ga.IsValid() {
		return knx.GroupAddress{}, fmt.Errorf("%w: %q", knx.ErrInvalidGroupAddress, addr)
	}
	return ga, nil
}

// normaliseDPT returns the normalised form of the first type listed (ETS
// separates several with spaces), or "" when there is none or it cannot be
// read.
func normaliseDPT(dpt string) string {
	fields := strings.Fields(dpt)
	if len(fields) == 0 {
		return ""
	}
	id, err := knx.NormalizeDPT(fields[0])
	if err != nil {
		return ""
	}
	return id
}
