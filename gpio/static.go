package gpio

// AlwaysOn is a Board for modems whose power is not under host control,
// such as USB sticks. The modem always reads as powered, so powering on
// only runs the status queries.
type AlwaysOn struct{}

func (AlwaysOn) ModemStatus() bool { return true }
func (AlwaysOn) SetPowerKey(bool)  {}
func (AlwaysOn) SetSupply(bool)    {}
