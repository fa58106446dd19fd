package enums

import "fmt"

// Category is the local report vocabulary offered to citizens.
type Category string

const (
	CategoryPothole      Category = "pothole"
	CategoryStreetlight  Category = "streetlight"
	CategoryWaterSupply  Category = "water-supply"
	CategoryTrafficLight Category = "traffic-light"
	CategoryDrainage     Category = "drainage"
	CategoryRoadDamage   Category = "road-damage"
	CategoryOther        Category = "other"
)

// Categories lists every local category. Each entry must have a case in Remote.
var Categories = []Category{
	CategoryPothole,
	CategoryStreetlight,
	CategoryWaterSupply,
	CategoryTrafficLight,
	CategoryDrainage,
	CategoryRoadDamage,
	CategoryOther,
}

// RemoteCategory is the issue category enum accepted by the remote schema.
type RemoteCategory string

const (
	RemoteCategoryPothole        RemoteCategory = "pothole"
	RemoteCategoryStreetLighting RemoteCategory = "street_lighting"
	RemoteCategoryWaterSupply    RemoteCategory = "water_supply"
	RemoteCategoryTrafficSignal  RemoteCategory = "traffic_signal"
	RemoteCategoryDrainage       RemoteCategory = "drainage"
	RemoteCategorySidewalk       RemoteCategory = "sidewalk"
	RemoteCategoryOther          RemoteCategory = "other"
)

var validRemoteCategories = []RemoteCategory{
	RemoteCategoryPothole,
	RemoteCategoryStreetLighting,
	RemoteCategoryWaterSupply,
	RemoteCategoryTrafficSignal,
	RemoteCategoryDrainage,
	RemoteCategorySidewalk,
	RemoteCategoryOther,
}

// IsValid reports whether the value is a known local category.
func (c Category) IsValid() bool {
	for _, candidate := range Categories {
		if candidate == c {
			return true
		}
	}
	return false
}

// Remote translates the category into the remote enum. Unknown values map to other.
func (c Category) Remote() RemoteCategory {
	switch c {
	case CategoryPothole:
		return RemoteCategoryPothole
	case CategoryStreetlight:
		return RemoteCategoryStreetLighting
	case CategoryWaterSupply:
		return RemoteCategoryWaterSupply
	case CategoryTrafficLight:
		return RemoteCategoryTrafficSignal
	case CategoryDrainage:
		return RemoteCategoryDrainage
	case CategoryRoadDamage:
		return RemoteCategorySidewalk
	case CategoryOther:
		return RemoteCategoryOther
	default:
		return RemoteCategoryOther
	}
}

// IsValid reports whether the value is a known remote category.
func (c RemoteCategory) IsValid() bool {
	for _, candidate := range validRemoteCategories {
		if candidate == c {
			return true
		}
	}
	return false
}

// ParseCategory converts the raw string to Category.
func ParseCategory(value string) (Category, error) {
	for _, candidate := range Categories {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid category %q", value)
}
