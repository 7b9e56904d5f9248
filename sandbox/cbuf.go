package sandbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

const (
	circularBufferModule   = "circular_buffer"
	circularBufferTypeName = "lsb.circular_buffer"
	circularBufferPayload  = "cbuf"
)

var (
	ErrCircularBufferSize   = errors.New("circular buffer needs rows > 1, columns > 0 and seconds_per_row > 0")
	ErrCircularBufferLarge  = errors.New("circular buffer too large")
	ErrCircularBufferColumn = errors.New("column out of range")
	ErrCircularBufferData   = errors.New("invalid circular buffer data")
)

// ColumnHeader describes one circular buffer column.
type ColumnHeader struct {
	Name string `json:"name"`
	Unit string `json:"unit"`
}

// CircularBuffer is a fixed window of time series rows. Each row covers
// SecondsPerRow seconds; writing to a newer time advances the window and
// clears the rows that fall out of it. Unset cells hold NaN.
type CircularBuffer struct {
	rows          int
	columns       int
	secondsPerRow int64
	// currentTime is the start, in seconds, of the newest row.
	currentTime int64
	currentRow  int
	values      []float64
	headers     []ColumnHeader
}

// NewCircularBuffer allocates rows*columns cells. Dimensions whose cell
// count or time span overflow are rejected.
func NewCircularBuffer(rows, columns int, secondsPerRow int64) (*CircularBuffer, error) {
	return newCircularBuffer(rows, columns, secondsPerRow, 0)
}

// newCircularBuffer is NewCircularBuffer with a cap on the cell count;
// maxCells 0 means no cap.
func newCircularBuffer(rows, columns int, secondsPerRow int64, maxCells int) (*CircularBuffer, error) {
	if rows <= 1 || columns <= 0 || secondsPerRow <= 0 {
		return nil, ErrCircularBufferSize
	}
	if columns > math.MaxInt/rows || secondsPerRow > math.MaxInt64/int64(rows) {
		return nil, fmt.Errorf("%w: %d rows by %d columns", ErrCircularBufferLarge, rows, columns)
	}
	if maxCells > 0 && rows*columns > maxCells {
		return nil, fmt.Errorf("%w: %d cells exceeds the limit of %d", ErrCircularBufferLarge, rows*columns, maxCells)
	}
	cb := &CircularBuffer{
		rows:          rows,
		columns:       columns,
		secondsPerRow: secondsPerRow,
		currentTime:   secondsPerRow * int64(rows-1),
		currentRow:    rows - 1,
		values:        make([]float64, rows*columns),
		headers:       make([]ColumnHeader, columns),
	}
	for i := range cb.values {
		cb.values[i] = math.NaN()
	}
	for i := range cb.headers {
		cb.headers[i] = ColumnHeader{Name: "Column_" + strconv.Itoa(i+1), Unit: "count"}
	}
	return cb, nil
}

func (cb *CircularBuffer) Rows() int            { return cb.rows }
func (cb *CircularBuffer) Columns() int         { return cb.columns }
func (cb *CircularBuffer) SecondsPerRow() int64 { return cb.secondsPerRow }
func (cb *CircularBuffer) PayloadType() string  { return circularBufferPayload }

// CurrentTime returns the start of the newest row in nanoseconds.
func (cb *CircularBuffer) CurrentTime() int64 { return cb.currentTime * 1e9 }

// row maps a nanosecond timestamp to a row index. Times newer than the window
// advance it when advance is set; times older than the window are rejected.
func (cb *CircularBuffer) row(ns int64, advance bool) (int, bool) {
	t := ns / 1e9
	t -= t % cb.secondsPerRow
	if t > cb.currentTime {
		if !advance {
			return 0, false
		}
		delta := int((t - cb.currentTime) / cb.secondsPerRow)
		for i := 1; i <= delta && i <= cb.rows; i++ {
			r := (cb.currentRow + i) % cb.rows
			for c := 0; c < cb.columns; c++ {
				cb.values[r*cb.columns+c] = math.NaN()
			}
		}
		cb.currentRow = (cb.currentRow + delta%cb.rows) % cb.rows
		cb.currentTime = t
		return cb.currentRow, true
	}
	age := (cb.currentTime - t) / cb.secondsPerRow
	if age >= int64(cb.rows) {
		return 0, false
	}
	return (cb.currentRow - int(age) + cb.rows) % cb.rows, true
}

func (cb *CircularBuffer) checkColumn(col int) error {
	if col < 0 || col >= cb.columns {
		return fmt.Errorf("%w: %d", ErrCircularBufferColumn, col+1)
	}
	return nil
}

// Add adds v to the cell at (ns, col) and returns the new value. col is zero
// based. ok is false when ns is older than the window.
func (cb *CircularBuffer) Add(ns int64, col int, v float64) (float64, bool, error) {
	if err := cb.checkColumn(col); err != nil {
		return 0, false, err
	}
	r, ok := cb.row(ns, true)
	if !ok {
		return 0, false, nil
	}
	i := r*cb.columns + col
	if math.IsNaN(cb.values[i]) {
		cb.values[i] = 0
	}
	cb.values[i] += v
	return cb.values[i], true, nil
}

// Set overwrites the cell at (ns, col).
func (cb *CircularBuffer) Set(ns int64, col int, v float64) (float64, bool, error) {
	if err := cb.checkColumn(col); err != nil {
		return 0, false, err
	}
	r, ok := cb.row(ns, true)
	if !ok {
		return 0, false, nil
	}
	cb.values[r*cb.columns+col] = v
	return v, true, nil
}

// Get reads the cell at (ns, col) without moving the window.
func (cb *CircularBuffer) Get(ns int64, col int) (float64, bool, error) {
	if err := cb.checkColumn(col); err != nil {
		return 0, false, err
	}
	r, ok := cb.row(ns, false)
	if !ok {
		return 0, false, nil
	}
	return cb.values[r*cb.columns+col], true, nil
}

func (cb *CircularBuffer) SetHeader(col int, name, unit string) error {
	if err := cb.checkColumn(col); err != nil {
		return err
	}
	if unit == "" {
		unit = "count"
	}
	cb.headers[col] = ColumnHeader{Name: name, Unit: unit}
	return nil
}

func (cb *CircularBuffer) Headers() []ColumnHeader {
	return append([]ColumnHeader(nil), cb.headers...)
}

type cbufHeader struct {
	Time          int64          `json:"time"`
	Rows          int            `json:"rows"`
	Columns       int            `json:"columns"`
	SecondsPerRow int64          `json:"seconds_per_row"`
	ColumnInfo    []ColumnHeader `json:"column_info"`
}

// Format renders the buffer for injection: a JSON header line followed by
// one tab separated line per row, oldest first.
func (cb *CircularBuffer) Format() []byte {
	var buf bytes.Buffer
	hdr, _ := json.Marshal(cbufHeader{
		Time:          cb.currentTime - cb.secondsPerRow*int64(cb.rows-1),
		Rows:          cb.rows,
		Columns:       cb.columns,
		SecondsPerRow: cb.secondsPerRow,
		ColumnInfo:    cb.headers,
	})
	buf.Write(hdr)
	buf.WriteByte('\n')
	for i := 1; i <= cb.rows; i++ {
		r := (cb.currentRow + i) % cb.rows
		for c := 0; c < cb.columns; c++ {
			if c > 0 {
				buf.WriteByte('\t')
			}
			buf.WriteString(formatCell(cb.values[r*cb.columns+c]))
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func formatCell(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// String renders the data portion used for state preservation:
// "<current time> <current row> <values...>".
func (cb *CircularBuffer) String() string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(cb.currentTime, 10))
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(cb.currentRow))
	for _, v := range cb.values {
		b.WriteByte(' ')
		b.WriteString(formatCell(v))
	}
	return b.String()
}

// FromString restores data produced by String. The buffer dimensions must
// match.
func (cb *CircularBuffer) FromString(s string) error {
	parts := strings.Fields(s)
	if len(parts) != 2+len(cb.values) {
		return fmt.Errorf("%w: expected %d values, got %d", ErrCircularBufferData, len(cb.values), len(parts)-2)
	}
	t, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: time: %v", ErrCircularBufferData, err)
	}
	row, err := strconv.Atoi(parts[1])
	if err != nil || row < 0 || row >= cb.rows {
		return fmt.Errorf("%w: row %q", ErrCircularBufferData, parts[1])
	}
	values := make([]float64, len(cb.values))
	for i, p := range parts[2:] {
		if values[i], err = strconv.ParseFloat(p, 64); err != nil {
			return fmt.Errorf("%w: value %d: %v", ErrCircularBufferData, i, err)
		}
	}
	cb.currentTime, cb.currentRow, cb.values = t, row, values
	return nil
}

func registerCircularBuffer(L *lua.LState, maxCells int) {
	mt := L.NewTypeMetatable(circularBufferTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"add":          cbufAdd,
		"set":          cbufSet,
		"get":          cbufGet,
		"set_header":   cbufSetHeader,
		"current_time": cbufCurrentTime,
		"fromstring":   cbufFromString,
	}))
	L.SetField(mt, "__tostring", L.NewFunction(cbufToString))

	mod := L.NewTable()
	L.SetField(mod, "new", L.NewFunction(cbufNew(maxCells)))
	L.SetGlobal(circularBufferModule, mod)
}

func newCircularBufferUserData(L *lua.LState, cb *CircularBuffer) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = cb
	L.SetMetatable(ud, L.GetTypeMetatable(circularBufferTypeName))
	return ud
}

func cbufNew(maxCells int) lua.LGFunction {
	return func(L *lua.LState) int {
		cb, err := newCircularBuffer(L.CheckInt(1), L.CheckInt(2), L.CheckInt64(3), maxCells)
		if err != nil {
			L.RaiseError("circular_buffer.new() %s", err.Error())
		}
		L.Push(newCircularBufferUserData(L, cb))
		return 1
	}
}

func checkCircularBuffer(L *lua.LState) *CircularBuffer {
	ud := L.CheckUserData(1)
	cb, ok := ud.Value.(*CircularBuffer)
	if !ok {
		L.ArgError(1, "circular_buffer expected")
	}
	return cb
}

type cbufOp func(cb *CircularBuffer, ns int64, col int, v float64) (float64, bool, error)

func cbufUpdate(L *lua.LState, op cbufOp) int {
	cb := checkCircularBuffer(L)
	v, ok, err := op(cb, L.CheckInt64(2), L.CheckInt(3)-1, float64(L.CheckNumber(4)))
	if err != nil {
		L.ArgError(3, err.Error())
	}
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(v))
	return 1
}

func cbufAdd(L *lua.LState) int { return cbufUpdate(L, (*CircularBuffer).Add) }

func cbufSet(L *lua.LState) int { return cbufUpdate(L, (*CircularBuffer).Set) }

func cbufGet(L *lua.LState) int {
	cb := checkCircularBuffer(L)
	v, ok, err := cb.Get(L.CheckInt64(2), L.CheckInt(3)-1)
	if err != nil {
		L.ArgError(3, err.Error())
	}
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(v))
	return 1
}

func cbufSetHeader(L *lua.LState) int {
	cb := checkCircularBuffer(L)
	col := L.CheckInt(2)
	if err := cb.SetHeader(col-1, L.CheckString(3), L.OptString(4, "")); err != nil {
		L.ArgError(2, err.Error())
	}
	L.Push(lua.LNumber(col))
	return 1
}

func cbufCurrentTime(L *lua.LState) int {
	L.Push(lua.LNumber(checkCircularBuffer(L).CurrentTime()))
	return 1
}

func cbufFromString(L *lua.LState) int {
	cb := checkCircularBuffer(L)
	if err := cb.FromString(L.CheckString(2)); err != nil {
		L.RaiseError("fromstring() %s", err.Error())
	}
	return 0
}

func cbufToString(L *lua.LState) int {
	L.Push(lua.LString(checkCircularBuffer(L).Format()))
	return 1
}
