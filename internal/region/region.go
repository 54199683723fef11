// Package region holds the fixed, ordered catalog of geographic regions used
// to classify chat rooms.
package region

import "slices"

// Other is the catch-all bucket for rooms with no recognized region.
const Other = "Other"

const otherTitle = "Other Categories"

type Region struct {
	Code      string
	Title     string
	Provinces []string
}

var catalog = []Region{
	{"NCR", "1. National Capital Region (NCR)", []string{"Manila"}},
	{"CAR", "2. Cordillera Administrative Region (CAR)", []string{"Abra", "Apayao", "Benguet", "Ifugao", "Kalinga", "Mountain Province"}},
	{"Region I", "3. Ilocos Region (Region I)", []string{"Ilocos Norte", "Ilocos Sur", "La Union", "Pangasinan"}},
	{"Region II", "4. Cagayan Valley (Region II)", []string{"Batanes", "Cagayan", "Isabela", "Nueva Vizcaya", "Quirino"}},
	{"Region III", "5. Central Luzon (Region III)", []string{"Aurora", "Bataan", "Bulacan", "Nueva Ecija", "Pampanga", "Tarlac", "Zambales"}},
	{"Region IV-A", "6. CALABARZON (Region IV-A)", []string{"Cavite", "Laguna", "Batangas", "Rizal", "Quezon"}},
	{"Region IV-B", "7. MIMAROPA (Region IV-B)", []string{"Marinduque", "Occidental Mindoro", "Oriental Mindoro", "Palawan", "Romblon"}},
	{"Region V", "8. Bicol Region (Region V)", []string{"Albay", "Camarines Norte", "Camarines Sur", "Catanduanes", "Masbate", "Sorsogon"}},
	{"Region VI", "9. Western Visayas (Region VI)", []string{"Aklan", "Antique", "Capiz", "Guimaras", "Iloilo", "Negros Occidental"}},
	{"Region VII", "10. Central Visayas (Region VII)", []string{"Bohol", "Cebu", "Negros Oriental", "Siquijor"}},
	{"Region VIII", "11. Eastern Visayas (Region VIII)", []string{"Biliran", "Eastern Samar", "Leyte", "Northern Samar", "Samar", "Southern Leyte"}},
	{"Region IX", "12. Zamboanga Peninsula (Region IX)", []string{"Zamboanga del Norte", "Zamboanga del Sur", "Zamboanga Sibugay"}},
	{"Region X", "13. Northern Mindanao (Region X)", []string{"Bukidnon", "Camiguin", "Lanao del Norte", "Misamis Occidental", "Misamis Oriental"}},
	{"Region XI", "14. Davao Region (Region XI)", []string{"Davao de Oro", "Davao del Norte", "Davao del Sur", "Davao Occidental", "Davao Oriental"}},
	{"Region XII", "15. SOCCSKSARGEN (Region XII)", []string{"Cotabato", "Sarangani", "South Cotabato", "Sultan Kudarat"}},
	{"Region XIII", "16. Caraga (Region XIII)", []string{"Agusan del Norte", "Agusan del Sur", "Dinagat Islands", "Surigao del Norte", "Surigao del Sur"}},
	{"BARMM", "17. Bangsamoro Autonomous Region in Muslim Mindanao (BARMM)", []string{"Basilan", "Lanao del Sur", "Maguindanao del Norte", "Maguindanao del Sur", "Sulu", "Tawi-Tawi"}},
}

var index = func() map[string]int {
	m := make(map[string]int, len(catalog))
	for i, r := range catalog {
		m[r.Code] = i
	}
	return m
}()

// All returns the catalog in display order, without the Other bucket.
func All() []Region {
	out := make([]Region, len(catalog))
	for i, r := range catalog {
		out[i] = Region{Code: r.Code, Title: r.Title, Provinces: slices.Clone(r.Provinces)}
	}
	return out
}

// Codes returns every bucket code in display order, ending with Other.
func Codes() []string {
	codes := make([]string, 0, len(catalog)+1)
	for _, r := range catalog {
		codes = append(codes, r.Code)
	}
	return append(codes, Other)
}

// IsKnown reports whether code is a catalog region. Other is not a region.
func IsKnown(code string) bool {
	_, ok := index[code]
	return ok
}

// Title returns the display title of a bucket code.
func Title(code string) string {
	if i, ok := index[code]; ok {
		return catalog[i].Title
	}
	return otherTitle
}

// Bucket maps a room's region to the bucket it is listed under.
func Bucket(code string) string {
	if IsKnown(code) {
		return code
	}
	return Other
}

func Provinces(code string) []string {
	if i, ok := index[code]; ok {
		return slices.Clone(catalog[i].Provinces)
	}
	return nil
}

// HasProvince reports whether province belongs to the region.
func HasProvince(code, province string) bool {
	i, ok := index[code]
	if !ok {
		return false
	}
	return slices.Contains(catalog[i].Provinces, province)
}

// Category builds the legacy category label stored alongside region and
// province.
func Category(code, province string) string {
	if province == "" {
		return code
	}
	return code + " - " + province
}
