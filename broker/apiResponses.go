package broker

type ErrorRes struct {
	Ok    bool
	Error string
}

type Res struct {
	Ok   bool
	Data interface{}
}

// ResSubscriptions is used by SUBS
type ResSubscriptions struct {
	Ok   bool
	Data []string
}

type ResMessages struct {
	Ok   bool
	Data []Message
}

// ResPublished is used by PUBS
type ResPublished struct {
	Ok        bool
	Partition int
	LogID     int64
}

func errorRes(err error) ErrorRes {
	return ErrorRes{Ok: false, Error: err.Error()}
}
