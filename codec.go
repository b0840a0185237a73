package tagcache

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Packed item payload keys (§3). Kept as single-byte-ish strings, matching
// the source's terse "$ # ^" wire keys; msgpack encodes short string keys
// almost as compactly as integer keys while staying self-describing, which
// is what lets an unrelated reader (or a debugging REPL) dump a payload
// without this package's help.
const (
	keyValue = "$"
	keyTags  = "#"
	keyMeta  = "^"
)

// packedPayload is the on-the-wire shape of §3's "Packed Item Payload".
// Fields are tagged to keep the msgpack encoding stable regardless of Go
// field names.
type packedPayload struct {
	Value interface{}       `msgpack:"$"`
	Tags  map[string][]byte `msgpack:"#,omitempty"`
	Meta  []byte            `msgpack:"^,omitempty"`
}

// pack implements §4.A's pack operation: (value, attached tag versions,
// expiry, ctime) -> opaque payload bytes.
//
// expiry is a Unix epoch seconds value, or 0 for "no expiry metadata".
// ctimeMillis is the item's accumulated value-function runtime in
// milliseconds (see core.go's commitOne); runtimes above 0xFFFFFFFF ms
// cannot be packed (§9), so core.go's packableMillis clamps them and
// reports ErrCtimeOverflow before pack is called.
func pack(value interface{}, tagVersions map[string][]byte, expiry uint32, ctimeMillis uint32) ([]byte, error) {
	p := packedPayload{Value: value}
	if len(tagVersions) > 0 {
		p.Tags = tagVersions
	}
	if expiry != 0 || ctimeMillis != 0 {
		p.Meta = packMeta(expiry, ctimeMillis)
	}
	return msgpack.Marshal(&p)
}

// unpackedItem is what unpack hands back to the core.
type unpackedItem struct {
	Value       interface{}
	TagVersions map[string][]byte
	Expiry      uint32 // 0 means "no expiry metadata"
	Ctime       uint32
	HasMeta     bool
}

// unpack implements §4.A's unpack operation and its validity checks:
//   - payload must decode to a map whose keys are a subset of {$, #, ^}
//     and that contains $.
//   - # if present must be a map of strings to byte strings.
//   - ^ if present must be a byte string of length 4..8.
//
// Any violation returns errInvalidPayload, which callers in core.go treat
// as an invalid-structure miss (scheduled for eviction, never surfaced to
// the caller as an error).
func unpack(payload []byte) (unpackedItem, error) {
	var raw map[string]msgpack.RawMessage
	if err := msgpack.Unmarshal(payload, &raw); err != nil {
		return unpackedItem{}, errInvalidPayload
	}
	for k := range raw {
		if k != keyValue && k != keyTags && k != keyMeta {
			return unpackedItem{}, errInvalidPayload
		}
	}
	valueRaw, ok := raw[keyValue]
	if !ok {
		return unpackedItem{}, errInvalidPayload
	}

	var out unpackedItem
	if err := msgpack.Unmarshal(valueRaw, &out.Value); err != nil {
		return unpackedItem{}, errInvalidPayload
	}

	if tagsRaw, ok := raw[keyTags]; ok {
		var tags map[string][]byte
		if err := msgpack.Unmarshal(tagsRaw, &tags); err != nil {
			return unpackedItem{}, errInvalidPayload
		}
		out.TagVersions = tags
	}

	if metaRaw, ok := raw[keyMeta]; ok {
		var meta []byte
		if err := msgpack.Unmarshal(metaRaw, &meta); err != nil {
			return unpackedItem{}, errInvalidPayload
		}
		if len(meta) < 4 || len(meta) > 8 {
			return unpackedItem{}, errInvalidPayload
		}
		expiry, ctime := unpackMeta(meta)
		out.Expiry = expiry
		out.Ctime = ctime
		out.HasMeta = true
	}

	return out, nil
}

// packMeta packs (expiry:u32 big-endian, ctime:u32 little-endian),
// truncating the ctime half to however many low bytes it actually needs
// (1..4), so the overall meta blob is 5..8 bytes (§3).
func packMeta(expiry, ctime uint32) []byte {
	buf := make([]byte, 8)
	buf[0] = byte(expiry >> 24)
	buf[1] = byte(expiry >> 16)
	buf[2] = byte(expiry >> 8)
	buf[3] = byte(expiry)
	buf[4] = byte(ctime)
	buf[5] = byte(ctime >> 8)
	buf[6] = byte(ctime >> 16)
	buf[7] = byte(ctime >> 24)

	ctimeLen := 4
	for ctimeLen > 1 && buf[4+ctimeLen-1] == 0 {
		ctimeLen--
	}
	return buf[:4+ctimeLen]
}

// unpackMeta reverses packMeta, padding a short blob with zero bytes on
// the right before splitting it, exactly as §4.A specifies.
func unpackMeta(meta []byte) (expiry uint32, ctime uint32) {
	var buf [8]byte
	copy(buf[:], meta)
	expiry = uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	ctime = uint32(buf[4]) | uint32(buf[5])<<8 | uint32(buf[6])<<16 | uint32(buf[7])<<24
	return expiry, ctime
}
