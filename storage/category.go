package storage

import "fmt"

// Category is an identity namespace, each one maps to a table.
type Category int

const (
	CategoryAppEUI Category = iota
	CategoryDevEUI
	CategoryDevAddr
	CategoryDeviceName
	CategoryProfileName
	CategoryHotspot
	CategoryLabel
)

// Categories lists every identity category.
var Categories = []Category{
	CategoryAppEUI,
	CategoryDevEUI,
	CategoryDevAddr,
	CategoryDeviceName,
	CategoryProfileName,
	CategoryHotspot,
	CategoryLabel,
}

var categoryNames = map[Category]string{
	CategoryAppEUI:      "app_eui",
	CategoryDevEUI:      "dev_eui",
	CategoryDevAddr:     "dev_addr",
	CategoryDeviceName:  "device_name",
	CategoryProfileName: "profile_name",
	CategoryHotspot:     "hotspot",
	CategoryLabel:       "label",
}

var categoryTables = map[Category]string{
	CategoryAppEUI:      "app_eui",
	CategoryDevEUI:      "dev_eui",
	CategoryDevAddr:     "dev_addr",
	CategoryDeviceName:  "device_names",
	CategoryProfileName: "profile_names",
	CategoryHotspot:     "hotspot_names",
	CategoryLabel:       "label_strings",
}

func (c Category) String() string {
	if n, ok := categoryNames[c]; ok {
		return n
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Table returns the relational table holding the category.
func (c Category) Table() string {
	return categoryTables[c]
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	_, ok := categoryNames[c]
	return ok
}
