package recordlayer

// windowChoice identifies which replay window (if any) a record should be
// checked and accounted against.
type windowChoice int

const (
	windowNone windowChoice = iota
	windowCurrent
	windowNext
)

// routeEpoch implements the epoch router (spec.md §4.C): given the
// current epoch, the epoch tag on the unprocessed-record queue, and an
// incoming record's own epoch and content type, decide whether the
// record belongs to the live window, the prospective next-epoch window,
// or should be dropped outright.
//
// Application data is never admitted into the next epoch: that
// restriction is what stops plaintext/ciphertext from a post-handshake
// connection racing ahead of the key change it depends on.
func routeEpoch(current, unprocessedEpoch, recordEpoch Epoch, ct ContentType) windowChoice {
	if recordEpoch == current {
		return windowCurrent
	}

	if recordEpoch == current+1 &&
		unprocessedEpoch != current &&
		(ct == ContentTypeHandshake || ct == ContentTypeAlert) {
		return windowNext
	}

	return windowNone
}
