package types

// RawRecord is an activity as extracted from a source page.
type RawRecord struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	LocationName string   `json:"location_name,omitempty"`
	Address      string   `json:"address,omitempty"`
	City         string   `json:"city,omitempty"`
	Region       string   `json:"region,omitempty"`
	PostalCode   string   `json:"postal_code,omitempty"`
	Country      string   `json:"country,omitempty"`
	StartDate    string   `json:"start_date,omitempty"`
	EndDate      string   `json:"end_date,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	ImageURL     string   `json:"image_url,omitempty"`
}

// Coordinates is a latitude/longitude pair
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// AddressComponents holds structured address parts. Empty fields are absent.
type AddressComponents struct {
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// IsZero reports whether every component is empty.
func (c AddressComponents) IsZero() bool {
	return c == AddressComponents{}
}

// Location is the normalized location of an activity.
type Location struct {
	Name             string             `json:"name,omitempty"`
	FormattedAddress string             `json:"formatted_address,omitempty"`
	Components       *AddressComponents `json:"components,omitempty"`
	Coordinates      *Coordinates       `json:"coordinates,omitempty"`
}

// StandardizedActivity is a RawRecord after validation and defaulting.
// Enrichment stages address it by its position in the standardized sequence.
type StandardizedActivity struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Urgency        string   `json:"urgency"`
	IsPublic       bool     `json:"is_public"`
	Location       Location `json:"location"`
	StartDate      string   `json:"start_date,omitempty"`
	EndDate        string   `json:"end_date,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	SourceImageURL string   `json:"source_image_url,omitempty"`
	SourceURL      string   `json:"source_url,omitempty"`
}

// GeocodeResult is the geocoder's answer for one address.
type GeocodeResult struct {
	FormattedAddress string            `json:"formatted_address,omitempty"`
	Coordinates      Coordinates       `json:"coordinates"`
	Components       AddressComponents `json:"components"`
	PlaceID          string            `json:"place_id,omitempty"`
}

// ImageRef points at an image stored in the blob store.
type ImageRef struct {
	Handle      string `json:"handle"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	SourceURL   string `json:"source_url"`
}

// MergedActivity is a StandardizedActivity joined with its enrichment results.
type MergedActivity struct {
	StandardizedActivity
	Image     *ImageRef `json:"image,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// StoredActivity is an activity as held by the primary document store.
type StoredActivity struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	FormattedAddress string `json:"formatted_address"`
}
