package ir

// Block is a straight-line run of instructions ending in an Exit.
type Block struct {
	ID     BlockID
	Func   FuncID
	Site   Site
	Instrs []Instr
	Exit   Exit
}

// Len counts instructions including the terminator.
func (b *Block) Len() int { return len(b.Instrs) + 1 }

// Func is a guest function as discovered by the translator.
type Func struct {
	ID     FuncID
	Name   string
	Entry  BlockID
	Blocks []BlockID
	Params []VReg
}

// Unit is everything the translator handed over for optimization.
// Block and function ids are dense indices into Blocks and Funcs.
type Unit struct {
	Funcs  []*Func
	Blocks []*Block
}

// Block returns the block with the given id or nil.
func (u *Unit) Block(id BlockID) *Block {
	if u == nil || int(id) >= len(u.Blocks) {
		return nil
	}
	return u.Blocks[id]
}

// Func returns the function with the given id or nil.
func (u *Unit) Func(id FuncID) *Func {
	if u == nil || int(id) >= len(u.Funcs) {
		return nil
	}
	return u.Funcs[id]
}

// BlockAt finds the block whose Site equals s.
func (u *Unit) BlockAt(s Site) (BlockID, bool) {
	for _, b := range u.Blocks {
		if b != nil && b.Site == s {
			return b.ID, true
		}
	}
	return NoBlock, false
}

// FuncByName finds a function by name.
func (u *Unit) FuncByName(name string) (FuncID, bool) {
	for _, f := range u.Funcs {
		if f != nil && f.Name == name {
			return f.ID, true
		}
	}
	return NoFunc, false
}

// NextVReg returns the first register number not used anywhere in the unit.
func (u *Unit) NextVReg() VReg {
	var next VReg
	bump := func(v VReg) {
		if v != NoVReg && v >= next {
			next = v + 1
		}
	}
	for _, f := range u.Funcs {
		if f == nil {
			continue
		}
		for _, p := range f.Params {
			bump(p)
		}
	}
	for _, b := range u.Blocks {
		if b == nil {
			continue
		}
		for i := range b.Instrs {
			bump(b.Instrs[i].Dst)
			for _, a := range b.Instrs[i].Args {
				if a.Kind == OperandReg {
					bump(a.Reg)
				}
			}
		}
		bump(b.Exit.Cond)
		bump(b.Exit.Target)
		if b.Exit.Value.Kind == OperandReg {
			bump(b.Exit.Value.Reg)
		}
	}
	return next
}

// Preds computes predecessor lists for every block.
func (u *Unit) Preds() [][]BlockID {
	preds := make([][]BlockID, len(u.Blocks))
	for _, b := range u.Blocks {
		if b == nil {
			continue
		}
		for _, s := range b.Exit.Succs() {
			if int(s) < len(preds) {
				preds[s] = append(preds[s], b.ID)
			}
		}
	}
	return preds
}
