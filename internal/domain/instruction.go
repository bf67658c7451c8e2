package domain

// DecodedInstruction is a program instruction matched by its discriminator.
type DecodedInstruction struct {
	Name        string            `json:"name"`
	Args        any               `json:"args"`
	AccountKeys []string          `json:"accountKeys"`
	Accounts    map[string]string `json:"accounts"` // named account roles
}

// Account returns the key bound to a named account role, or "".
func (d *DecodedInstruction) Account(role string) string {
	if d == nil || d.Accounts == nil {
		return ""
	}
	return d.Accounts[role]
}
