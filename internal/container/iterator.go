package container

import (
	"errors"
	"io"
)

// Iterator adapts a Reader to chunk.Iterator. Content the caller leaves
// unread is skipped and verified before the next position is taken.
type Iterator struct {
	r   *Reader
	err error
}

// NewIterator wraps r.
func NewIterator(r *Reader) *Iterator {
	return &Iterator{r: r}
}

func (it *Iterator) Rewind() {
	it.err = it.r.Rewind()
}

func (it *Iterator) Seek(pos Position) error {
	it.err = nil
	return it.r.Seek(pos)
}

// Position returns the next entry position. A failure while skipping
// content is reported by the following Next.
func (it *Iterator) Position() Position {
	pos, err := it.r.Position()
	if err != nil && it.err == nil {
		it.err = err
	}
	return pos
}

func (it *Iterator) Next() (*Entry, bool, error) {
	if it.err != nil {
		return nil, false, it.err
	}
	e, err := it.r.Next()
	if errors.Is(err, io.EOF) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}
