package relay

import (
	jsoniter "github.com/json-iterator/go"
)

// All wire frames, config files, and the credential check go through the
// same codec so coercion behavior stays consistent with encoding/json.
var json = jsoniter.ConfigCompatibleWithStandardLibrary
