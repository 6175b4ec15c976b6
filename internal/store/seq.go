package store

import (
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// CompareSeq orders two sequence tokens. Tokens are "<n>" or "<n>-<opaque>";
// the leading integer decides and the empty token is the start of the log.
// It returns -1, 0 or +1.
func CompareSeq(a, b string) int {
	na, okA := seqNumber(a)
	nb, okB := seqNumber(b)
	if !okA || !okB {
		return strings.Compare(a, b)
	}
	switch {
	case na < nb:
		return -1
	case na > nb:
		return 1
	default:
		return 0
	}
}

func seqNumber(seq string) (int64, bool) {
	if seq == "" {
		return 0, true
	}
	head, _, _ := strings.Cut(seq, "-")
	n, err := strconv.ParseInt(head, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// RevGeneration returns the generation counter of a "<n>-<hash>" revision.
func RevGeneration(rev string) (int, error) {
	head, _, found := strings.Cut(rev, "-")
	if !found {
		return 0, errors.NotValidf("revision %q", rev)
	}
	gen, err := strconv.Atoi(head)
	if err != nil || gen < 1 {
		return 0, errors.NotValidf("revision %q", rev)
	}
	return gen, nil
}
