package tagcache

import "errors"

// Sentinel errors the adapter returns or wraps, per §7's error kinds.
var (
	// ErrInvalidNamespace is returned at construction when a namespace
	// does not match the key grammar charset in §6.
	ErrInvalidNamespace = errors.New("tagcache: namespace must match [-+_.A-Za-z0-9]*")

	// ErrInvalidItemKind is returned by Save/SaveDeferred when the given
	// item did not originate from this adapter's GetItem/GetItems (§7
	// InvalidItemKind).
	ErrInvalidItemKind = errors.New("tagcache: item was not produced by this adapter")

	// ErrSerializationForbidden guards against serializing the adapter
	// itself (§7 SerializationForbidden, §9). Nothing in this package
	// implements gob.GobEncoder/json.Marshaler for *Adapter on purpose;
	// this error exists for code paths (e.g. a generic "snapshot" helper
	// elsewhere) that might otherwise try.
	ErrSerializationForbidden = errors.New("tagcache: adapter instances must not be serialized")

	// ErrCtimeOverflow marks a value-function runtime too large to pack
	// into the 1..4 byte ctime field (§9, ~49.7 days).
	ErrCtimeOverflow = errors.New("tagcache: creation time exceeds packable range")

	// errInvalidPayload is returned internally by unpack when a payload
	// fails §4.A's validity checks; callers translate it into a miss.
	errInvalidPayload = errors.New("tagcache: payload failed validity checks")
)
