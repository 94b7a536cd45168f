package media

func NewSystemSource() Source {
	return NewMediaRemote()
}
