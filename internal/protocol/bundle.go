package protocol

import "encoding/json"

// Bundle is a chat message in flight.
type Bundle struct {
	ID            string `json:"id"`
	SenderID      string `json:"senderId"`
	DestinationID string `json:"destinationId"`
	Content       string `json:"content"`
	Timestamp     int64  `json:"timestamp"`
	// IsDTN marks a copy held or relayed by store-and-forward.
	IsDTN bool `json:"isDtn"`
}

// MarshalBundles serialises a bundle list, e.g. a DTN queue snapshot.
func MarshalBundles(bs []Bundle) ([]byte, error) {
	if bs == nil {
		bs = []Bundle{}
	}
	return json.Marshal(bs)
}

// UnmarshalBundles is the inverse of MarshalBundles.
func UnmarshalBundles(b []byte) ([]Bundle, error) {
	var bs []Bundle
	if len(b) == 0 {
		return nil, nil
	}
	return bs, json.Unmarshal(b, &bs)
}
