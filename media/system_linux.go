package media

func NewSystemSource() Source {
	return NewMPRIS()
}
