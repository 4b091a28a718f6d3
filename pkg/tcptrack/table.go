package tcptrack

// cell is one entry of the transition table. iv marks an illegal
// transition and never leaves this file as a State.
type cell uint8

const (
	sNO = cell(None)
	sES = cell(Established)
	sSS = cell(SynSent)
	sSR = cell(SynRecv)
	sFW = cell(FinWait)
	sTW = cell(TimeWait)
	sCL = cell(Close)
	sCW = cell(CloseWait)
	sLA = cell(LastAck)
	sLI = cell(Listen)
	sIV = cell(0xff)
)

// transitions is indexed by [direction][class][current state].
var transitions = [2][numClasses][numStates]cell{
	Original: {
		//          sNO  sES  sSS  sSR  sFW  sTW  sCL  sCW  sLA  sLI
		ClassSyn:  {sSS, sES, sSS, sSR, sSS, sSS, sSS, sSS, sSS, sLI},
		ClassFin:  {sIV, sFW, sSS, sTW, sFW, sTW, sCL, sTW, sLA, sLI},
		ClassAck:  {sIV, sES, sSS, sES, sFW, sTW, sCL, sCW, sLA, sES},
		ClassRst:  {sCL, sCL, sSS, sCL, sCL, sTW, sCL, sCL, sCL, sCL},
		ClassNone: {sIV, sIV, sIV, sIV, sIV, sIV, sIV, sIV, sIV, sIV},
	},
	Reply: {
		//          sNO  sES  sSS  sSR  sFW  sTW  sCL  sCW  sLA  sLI
		ClassSyn:  {sSR, sES, sSR, sSR, sSR, sSR, sSR, sSR, sSR, sSR},
		ClassFin:  {sCL, sCW, sSS, sTW, sTW, sTW, sCL, sCW, sLA, sLI},
		ClassAck:  {sCL, sES, sSS, sSR, sFW, sTW, sCL, sCW, sCL, sLI},
		ClassRst:  {sCL, sCL, sCL, sCL, sCL, sCL, sCL, sCL, sLA, sLI},
		ClassNone: {sIV, sIV, sIV, sIV, sIV, sIV, sIV, sIV, sIV, sIV},
	},
}

// Next returns the state a connection in cur moves to when a segment of
// class c travels in direction dir. It returns ErrInvalidTransition when the
// combination is illegal or any argument is out of range.
func Next(dir Direction, c Class, cur State) (State, error) {
	if dir > Reply || int(c) >= numClasses || !cur.Valid() {
		return None, ErrInvalidTransition
	}
	n := transitions[dir][c][cur]
	if n == sIV {
		return None, ErrInvalidTransition
	}
	return State(n), nil
}
