package scripting

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/pkg/errors"

	"github.com/CodedInternet/gorevvy/onboard/observable"
)

const VariableSlotCount = 4

var ErrVariableSlot = errors.New("script variable slot out of range")

// VariableSlots are the values scripts publish to the mobile. Mask has bit
// n set once slot n was written.
type VariableSlots struct {
	Mask   uint8
	Values [VariableSlotCount]float32
}

func (v VariableSlots) Encode() []byte {
	raw := make([]byte, 1+4*VariableSlotCount)
	raw[0] = v.Mask
	for i, f := range v.Values {
		binary.LittleEndian.PutUint32(raw[1+4*i:], math.Float32bits(f))
	}
	return raw
}

type Variables struct {
	*observable.Observable[VariableSlots]
	lock sync.Mutex
}

func NewVariables(opts ...observable.Option) *Variables {
	return &Variables{Observable: observable.New(VariableSlots{}, opts...)}
}

func (v *Variables) Set(slot int, value float64) error {
	if slot < 0 || slot >= VariableSlotCount {
		return errors.Wrapf(ErrVariableSlot, "slot %d", slot)
	}

	v.lock.Lock()
	defer v.lock.Unlock()
	s := v.Get()
	s.Mask |= 1 << uint(slot)
	s.Values[slot] = float32(value)
	v.Observable.Set(s)
	return nil
}

func (v *Variables) Reset() {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.Observable.Set(VariableSlots{})
}
