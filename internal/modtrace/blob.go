// Package modtrace loads the module-map blob produced by the instrumentation
// runtime's module-tracking library, maps each module's code image into
// memory, and exposes an indexed table that lets the converter translate a
// (module_index, module_offset) pair back to decodable instruction bytes.
package modtrace

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/hoangvhh/raw2trace/internal/diag"
)

// CustomModuleVersion is the version tag this parser understands for the
// current ("v#N") custom-data field format.
const CustomModuleVersion = 1

// Hooks are the three optional, install-once user callbacks for custom
// per-module data (spec §6). They are passed explicitly to Load rather
// than installed as package-level function pointers, per the re-
// architecture called for in spec §9.
type Hooks struct {
	// ParseCustom consumes a caller-defined prefix of src and returns the
	// parsed value plus the unconsumed remainder. A nil return for rest
	// with a nil error signals "did not recognize this data".
	ParseCustom func(src []byte) (userData any, rest []byte, err error)
	// ProcessCustom is invoked once per module after parsing, with the
	// module's own fields and whatever ParseCustom produced.
	ProcessCustom func(info ModuleInfo, userData any) error
	// FreeCustom releases any resources ParseCustom allocated. Invoked
	// during Table teardown, in the same order modules were loaded.
	FreeCustom func(userData any)
}

// ModuleInfo is one parsed line of the module-map blob, before mapping.
type ModuleInfo struct {
	Index           int
	ContainingIndex int
	Path            string
	OrigBase        uint64

	ContentsSize int
	Contents     []byte // embedded code bytes, set only by the v# current-format field

	UserData any
}

// parseState carries per-parse state. hasCustomData records whether the
// module-map blob carried data in the current v# format; it mirrors
// raw2trace.cpp's has_custom_data flag, which downgrades vdso handling when
// the blob is legacy and carries no vdso contents.
type parseState struct {
	hasCustomData bool
	diag          *diag.Sink
}

// ParseBlob parses the full module-map blob, one module record at a time,
// using hooks for any custom per-module data. Records are terminated by
// "\n", but a v#-format record's contents field is raw and sized, not
// text: it can legitimately contain embedded newline bytes (the [vdso]
// image is the common case), so the blob is never pre-split into lines.
// Instead each record is parsed straight off the remaining buffer and the
// cursor advances by the exact byte count the record consumed.
func ParseBlob(blob []byte, hooks Hooks, sink *diag.Sink) ([]ModuleInfo, bool, error) {
	st := &parseState{hasCustomData: true, diag: sink}
	var mods []ModuleInfo
	buf := blob
	idx := 0
	for {
		for len(buf) > 0 && (buf[0] == '\n' || buf[0] == '\r') {
			buf = buf[1:]
		}
		if len(buf) == 0 {
			break
		}
		info, consumed, err := parseRecord(buf, hooks, st)
		if err != nil {
			return nil, st.hasCustomData, errors.Wrapf(err, "modtrace: module %d", idx)
		}
		info.Index = idx
		if hooks.ProcessCustom != nil {
			if err := hooks.ProcessCustom(info, info.UserData); err != nil {
				return nil, st.hasCustomData, errors.Wrapf(errors.New(err.Error()), "modtrace: process hook for module %d", idx)
			}
		}
		mods = append(mods, info)
		idx++
		buf = buf[consumed:]
	}
	return mods, st.hasCustomData, nil
}

// parseRecord parses exactly one module record starting at buf[0] and
// reports how many bytes of buf it consumed, so the caller can advance past
// it without ever searching for "\n" inside raw, sized content.
func parseRecord(buf []byte, hooks Hooks, st *parseState) (ModuleInfo, int, error) {
	if v, size, after, ok := tryCurrentVersionField(buf); ok && v == CustomModuleVersion {
		contents := after[:size]
		rest := after[size:]

		ec := embeddedContents{size: size, data: contents}
		if hooks.ParseCustom != nil {
			inner, next, err := hooks.ParseCustom(rest)
			if err != nil {
				return ModuleInfo{}, 0, err
			}
			ec.inner = inner
			rest = next
		}
		// The user blob (however long the hook decided it was, zero if no
		// hook ran) is always immediately followed by the comma that
		// separates it from the path field.
		if len(rest) > 0 && rest[0] == ',' {
			rest = rest[1:]
		}

		tail, consumed := takeLine(buf, rest)
		info, err := parseTail(tail, ec)
		return info, consumed, err
	}

	st.hasCustomData = false
	st.diag.WarnOnce("legacy-module-format",
		"Incorrect module field version: attempting to handle legacy format")

	// Legacy records carry no raw sized payload, so they are plain text:
	// safe to bound to the next newline before parsing.
	line, consumed := takeLine(buf, buf)

	if hooks.ParseCustom != nil {
		userData, after, perr := hooks.ParseCustom(line)
		if perr == nil && after != nil {
			info, err := parseTail(after, userData)
			return info, consumed, err
		}
	}
	if bytes.HasPrefix(line, []byte("/")) || bytes.HasPrefix(line, []byte("[vdso]")) {
		info, err := parseTail(line, nil)
		return info, consumed, err
	}
	return ModuleInfo{}, 0, errors.New("modtrace: unable to parse module data: custom field mismatch")
}

// takeLine extracts the "\r\n"-or-"\n"-terminated text remaining in rest
// (a suffix of buf sharing its backing array) and reports how many bytes
// of buf the line and its terminator occupy in total.
func takeLine(buf, rest []byte) (line []byte, consumed int) {
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 {
		return bytes.TrimRight(rest, "\r"), len(buf)
	}
	consumed = len(buf) - len(rest) + nl + 1
	return bytes.TrimRight(rest[:nl], "\r"), consumed
}

// embeddedContents carries the v#-format contents alongside whatever the
// user hook produced, so parseTail can split them back into ModuleInfo.
type embeddedContents struct {
	size  int
	data  []byte
	inner any
}

// tryCurrentVersionField peeks the first comma-delimited field for
// "v#<N>,<size>," and, if matched, returns the version, the declared
// contents size, and the blob positioned right after the second comma.
func tryCurrentVersionField(line []byte) (version, size int, after []byte, ok bool) {
	if !bytes.HasPrefix(line, []byte("v#")) {
		return 0, 0, nil, false
	}
	firstComma := bytes.IndexByte(line, ',')
	if firstComma < 0 {
		return 0, 0, nil, false
	}
	v, err := strconv.Atoi(string(line[2:firstComma]))
	if err != nil {
		return 0, 0, nil, false
	}
	rest := line[firstComma+1:]
	secondComma := bytes.IndexByte(rest, ',')
	if secondComma < 0 {
		return 0, 0, nil, false
	}
	sz, err := strconv.Atoi(string(rest[:secondComma]))
	if err != nil || sz < 0 {
		return 0, 0, nil, false
	}
	body := rest[secondComma+1:]
	if sz > len(body) {
		return 0, 0, nil, false
	}
	return v, sz, body, true
}

// parseTail parses the "<path>,<containing_index>,<start>" fields shared
// by every custom-field variant and assembles the final ModuleInfo. The
// module's own index is assigned by ParseBlob from line position, not read
// here.
func parseTail(rest []byte, userData any) (ModuleInfo, error) {
	fields := strings.Split(string(rest), ",")
	if len(fields) < 3 {
		return ModuleInfo{}, errors.Errorf("modtrace: malformed module record tail %q", rest)
	}
	path := fields[0]
	containingIndex, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return ModuleInfo{}, errors.Wrap(err, "modtrace: bad containing_index")
	}
	origBase, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 0, 64)
	if err != nil {
		return ModuleInfo{}, errors.Wrap(err, "modtrace: bad orig_base")
	}

	info := ModuleInfo{
		Path:            path,
		ContainingIndex: containingIndex,
		OrigBase:        origBase,
	}
	if ec, ok := userData.(embeddedContents); ok {
		info.ContentsSize = ec.size
		info.Contents = ec.data
		info.UserData = ec.inner
	} else {
		info.UserData = userData
	}
	return info, nil
}

// EncodeModule renders a ModuleInfo back into the module-map line grammar,
// using the current (v#) custom-data format. It is the "synthetic encoder"
// used for module-table round-trip tests.
func EncodeModule(info ModuleInfo, userBlob []byte) []byte {
	var b bytes.Buffer
	b.WriteString("v#")
	b.WriteString(strconv.Itoa(CustomModuleVersion))
	b.WriteByte(',')
	b.WriteString(strconv.Itoa(len(info.Contents)))
	b.WriteByte(',')
	b.Write(info.Contents)
	b.Write(userBlob)
	b.WriteByte(',')
	b.WriteString(info.Path)
	b.WriteByte(',')
	b.WriteString(strconv.Itoa(info.ContainingIndex))
	b.WriteByte(',')
	b.WriteString(strconv.FormatUint(info.OrigBase, 10))
	return b.Bytes()
}

// EncodeBlob renders a full module table back into blob form, one line per
// module, in index order.
func EncodeBlob(mods []ModuleInfo, userBlobs [][]byte) []byte {
	var b bytes.Buffer
	for i, m := range mods {
		var blob []byte
		if i < len(userBlobs) {
			blob = userBlobs[i]
		}
		b.Write(EncodeModule(m, blob))
		b.WriteByte('\n')
	}
	return b.Bytes()
}
