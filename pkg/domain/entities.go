// Package domain defines the in-memory imaging record graph
// (Patient -> Study -> Series -> Instance), its modification tracking,
// and the persistence contracts implemented by the storage backends.
package domain

// Attributes holds string-keyed record attributes. Values are scalars
// (string, bool, json.Number) or raw []byte; nested sequence items live in
// Item.Sequences, not here.
type Attributes map[string]any

// Item is a bag of attributes plus nested sequence items, the shape shared
// by instances and by items inside a sequence.
type Item struct {
	Attributes Attributes
	Sequences  map[string][]*Item
}

// NewItem returns an Item with initialized maps.
func NewItem() *Item {
	return &Item{Attributes: Attributes{}}
}

// SetAttr stores an attribute value.
func (it *Item) SetAttr(key string, value any) {
	if it.Attributes == nil {
		it.Attributes = Attributes{}
	}
	it.Attributes[key] = value
}

// AddSequenceItem appends a nested item under the given sequence tag.
func (it *Item) AddSequenceItem(tag string, item *Item) {
	if it.Sequences == nil {
		it.Sequences = map[string][]*Item{}
	}
	it.Sequences[tag] = append(it.Sequences[tag], item)
}

// Equipment identifies the acquisition device of a series. The zero value
// means unknown equipment.
type Equipment struct {
	Manufacturer       string `json:"manufacturer"`
	ModelName          string `json:"model_name"`
	DeviceSerialNumber string `json:"device_serial_number"`
}

// IsZero reports whether no equipment fields are set.
func (e Equipment) IsZero() bool { return e == Equipment{} }

// Patient is the root of one record graph.
type Patient struct {
	Revision
	PatientID   string
	PatientName string
	Studies     []*Study
}

// NewPatient constructs a patient and marks it dirty so a fresh graph is
// persisted on the first save.
func NewPatient(id, name string) *Patient {
	p := &Patient{PatientID: id, PatientName: name}
	p.Touch()
	return p
}

// Study groups series acquired in one examination.
type Study struct {
	Revision
	StudyInstanceUID string
	StudyDate        string
	Series           []*Series
}

// NewStudy constructs a dirty study.
func NewStudy(uid, date string) *Study {
	st := &Study{StudyInstanceUID: uid, StudyDate: date}
	st.Touch()
	return st
}

// Series groups instances produced by one acquisition run.
type Series struct {
	Revision
	SeriesInstanceUID string
	Modality          string
	SeriesNumber      int
	Equipment         Equipment
	Instances         []*Instance
}

// NewSeries constructs a dirty series.
func NewSeries(uid, modality string, number int) *Series {
	se := &Series{SeriesInstanceUID: uid, Modality: modality, SeriesNumber: number}
	se.Touch()
	return se
}

// WalkInstances visits every instance in the given graphs along with its
// ancestry. Visit order is the containment order of the slices.
func WalkInstances(patients []*Patient, fn func(p *Patient, st *Study, se *Series, inst *Instance)) {
	for _, p := range patients {
		for _, st := range p.Studies {
			for _, se := range st.Series {
				for _, inst := range se.Instances {
					fn(p, st, se, inst)
				}
			}
		}
	}
}

// UniqueEquipment returns the distinct non-zero equipment entries found in
// the given graphs.
func UniqueEquipment(patients []*Patient) []Equipment {
	seen := map[Equipment]bool{}
	var out []Equipment
	for _, p := range patients {
		for _, st := range p.Studies {
			for _, se := range st.Series {
				if se.Equipment.IsZero() || seen[se.Equipment] {
					continue
				}
				seen[se.Equipment] = true
				out = append(out, se.Equipment)
			}
		}
	}
	return out
}

// MarkGraphClean records the current modification count of every entity in
// the graphs as saved. Loaders call this so freshly hydrated graphs are not
// re-persisted immediately.
func MarkGraphClean(patients []*Patient) {
	for _, p := range patients {
		p.MarkClean()
		for _, st := range p.Studies {
			st.MarkClean()
			for _, se := range st.Series {
				se.MarkClean()
				for _, inst := range se.Instances {
					inst.MarkClean()
				}
			}
		}
	}
}
