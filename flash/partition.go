package flash

import (
	"errors"
	"fmt"
)

// Partition errors, per spec §4.2/§7.
var (
	ErrInval   = errors.New("flash: invalid offset or length")
	ErrReserve = errors.New("flash: shared page buffer in use")
	ErrBusy    = errors.New("flash: operation in flight")
)

// opState is the driver's internal state machine: Idle -> Read|Write|Erase.
type opState int

const (
	opIdle opState = iota
	opRead
	opWrite
	opErase
)

// Partition exposes arbitrary-length read/write/erase over a logical
// region of a page-granular HAL, performing the read-modify-write (or
// read-erase-write) needed to support sub-page and misaligned IO.
type Partition struct {
	hal    HAL
	start  int // byte offset of the partition within the HAL
	length int // partition length in bytes

	state opState
	page  []byte // shared page-sized scratch buffer
}

// NewPartition binds a logical partition of length bytes starting at
// byte offset start within hal.
func NewPartition(hal HAL, start, length int) *Partition {
	return &Partition{
		hal:    hal,
		start:  start,
		length: length,
		state:  opIdle,
		page:   make([]byte, hal.PageSize()),
	}
}

func (p *Partition) validate(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > p.length {
		return ErrInval
	}
	return nil
}

func (p *Partition) begin() error {
	if p.state != opIdle {
		return ErrBusy
	}
	return nil
}

// Read reads length bytes at offset, splitting into page-granular HAL
// reads as needed.
func (p *Partition) Read(offset, length int) ([]byte, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	if err := p.validate(offset, length); err != nil {
		return nil, err
	}

	p.state = opRead
	defer func() { p.state = opIdle }()

	out := make([]byte, length)
	pageSize := p.hal.PageSize()
	abs := p.start + offset

	for n := 0; n < length; {
		page := abs / pageSize
		pageOff := abs % pageSize

		if err := p.hal.ReadPage(page, p.page); err != nil {
			return nil, err
		}

		chunk := pageSize - pageOff
		if rem := length - n; chunk > rem {
			chunk = rem
		}

		copy(out[n:n+chunk], p.page[pageOff:pageOff+chunk])

		n += chunk
		abs += chunk
	}

	return out, nil
}

// Write writes data at offset. Sub-page writes perform a
// read-modify-write on the shared page buffer so unaltered bytes are
// preserved.
func (p *Partition) Write(offset int, data []byte) error {
	if err := p.begin(); err != nil {
		return err
	}
	if err := p.validate(offset, len(data)); err != nil {
		return err
	}

	p.state = opWrite
	defer func() { p.state = opIdle }()

	pageSize := p.hal.PageSize()
	abs := p.start + offset

	for n := 0; n < len(data); {
		page := abs / pageSize
		pageOff := abs % pageSize

		chunk := pageSize - pageOff
		if rem := len(data) - n; chunk > rem {
			chunk = rem
		}

		if pageOff != 0 || chunk != pageSize {
			if err := p.hal.ReadPage(page, p.page); err != nil {
				return err
			}
		}

		copy(p.page[pageOff:pageOff+chunk], data[n:n+chunk])

		if err := p.hal.WritePage(page, p.page); err != nil {
			return err
		}

		n += chunk
		abs += chunk
	}

	return nil
}

// Erase erases length bytes at offset. An erase not aligned on both ends
// performs a read -> fill-with-erase-value -> write cycle on the partial
// boundary pages, leaving bytes outside [offset, offset+length) intact.
func (p *Partition) Erase(offset, length int) error {
	if err := p.begin(); err != nil {
		return err
	}
	if err := p.validate(offset, length); err != nil {
		return err
	}

	p.state = opErase
	defer func() { p.state = opIdle }()

	pageSize := p.hal.PageSize()
	abs := p.start + offset

	for n := 0; n < length; {
		page := abs / pageSize
		pageOff := abs % pageSize

		chunk := pageSize - pageOff
		if rem := length - n; chunk > rem {
			chunk = rem
		}

		if pageOff == 0 && chunk == pageSize {
			if err := p.hal.ErasePage(page); err != nil {
				return err
			}
		} else {
			if err := p.hal.ReadPage(page, p.page); err != nil {
				return err
			}
			for i := pageOff; i < pageOff+chunk; i++ {
				p.page[i] = eraseValue
			}
			if err := p.hal.WritePage(page, p.page); err != nil {
				return err
			}
		}

		n += chunk
		abs += chunk
	}

	return nil
}

// QueryCapacity returns the partition length in bytes.
func (p *Partition) QueryCapacity() int { return p.length }

// QueryChunkSize returns the underlying HAL page size.
func (p *Partition) QueryChunkSize() int { return p.hal.PageSize() }

// String implements fmt.Stringer for debug logging.
func (p *Partition) String() string {
	return fmt.Sprintf("flash.Partition{start=%#x length=%#x chunk=%d}", p.start, p.length, p.hal.PageSize())
}
