package notifier

// StatusTopic is where Home Assistant announces it (re)started.
const StatusTopic = "homeassistant/status"

const topicPrefix = "homeassistant/sensor/"

// Identity namespaces every topic and unique id of one device.
type Identity string

// NewIdentity derives the device identity from the configured unique id.
func NewIdentity(uniqueID string) Identity {
	return Identity("st_" + uniqueID)
}

func (id Identity) ConfigTopic(s Sensor) string {
	return topicPrefix + string(id) + "/" + s.Key() + "/config"
}

func (id Identity) StateTopic() string {
	return topicPrefix + string(id) + "/state"
}

func (id Identity) UniqueID(s Sensor) string {
	return string(id) + "_" + s.Key()
}
