package model

// Token describes a fungible token as supplied by the token registry.
type Token struct {
	ID     string
	Symbol string
	// Precision is the number of fractional digits one display unit carries.
	Precision uint8
	// FeeBasisPoints is charged on top of a pool's amount at creation.
	FeeBasisPoints uint16
	Active         bool
}
