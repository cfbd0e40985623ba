package controller

import "encoding/json"

func decodeInto(body []byte, v interface{}) error {
	return json.Unmarshal(body, v)
}
