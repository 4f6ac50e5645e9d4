package memstore

import "errors"

var errClosed = errors.New("memstore: store closed")
