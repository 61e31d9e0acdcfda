package util

type strings string

const Strings strings = ""

func (strings) Nullable(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}
