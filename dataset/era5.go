package dataset

import (
	"fmt"
	"time"

	"github.com/freundallein/stacdc/chassis/aoi"
	"github.com/freundallein/stacdc/chassis/archive"
	"github.com/freundallein/stacdc/planner"
)

// ERA5 dataset names on the climate data store.
const (
	SingleLevels   = "reanalysis-era5-single-levels"
	PressureLevels = "reanalysis-era5-pressure-levels"
	Land           = "reanalysis-era5-land"
)

var hours = func() []string {
	out := make([]string, 24)
	for h := range out {
		out[h] = fmt.Sprintf("%02d:00", h)
	}
	return out
}()

var ensembleProducts = []string{"reanalysis", "ensemble_members", "ensemble_mean", "ensemble_spread"}

// ERA5 is a reanalysis dataset on the climate data store.
type ERA5 struct {
	name           string
	area           aoi.AOI
	formats        []string
	params         planner.Params
	productTypes   []string
	variables      []string
	pressureLevels []string
	// land requests carry no product_type
	withProductType bool
}

// NewSingleLevels ...
func NewSingleLevels(area aoi.AOI, formats []string, params planner.Params) Dataset {
	return &ERA5{
		name:         SingleLevels,
		area:         area,
		formats:      formats,
		params:       params,
		productTypes: ensembleProducts,
		variables: []string{
			"10m_u_component_of_wind",
			"10m_v_component_of_wind",
			"2m_dewpoint_temperature",
			"2m_temperature",
			"mean_sea_level_pressure",
			"surface_pressure",
			"total_precipitation",
			"skin_temperature",
			"total_cloud_cover",
			"surface_solar_radiation_downwards",
			"snow_depth",
			"soil_temperature_level_1",
			"volumetric_soil_water_layer_1",
		},
		withProductType: true,
	}
}

// NewPressureLevels ...
func NewPressureLevels(area aoi.AOI, formats []string, params planner.Params) Dataset {
	return &ERA5{
		name:         PressureLevels,
		area:         area,
		formats:      formats,
		params:       params,
		productTypes: ensembleProducts,
		variables: []string{
			"divergence",
			"fraction_of_cloud_cover",
			"geopotential",
			"ozone_mass_mixing_ratio",
			"potential_vorticity",
			"relative_humidity",
			"specific_cloud_ice_water_content",
			"specific_cloud_liquid_water_content",
			"specific_humidity",
			"specific_rain_water_content",
			"specific_snow_water_content",
			"temperature",
			"u_component_of_wind",
			"v_component_of_wind",
			"vertical_velocity",
			"vorticity",
		},
		pressureLevels: []string{
			"1", "2", "3", "5", "7", "10", "20", "30", "50", "70",
			"100", "125", "150", "175", "200", "225", "250", "300", "350", "400",
			"450", "500", "550", "600", "650", "700", "750", "775", "800", "825",
			"850", "875", "900", "925", "950", "975", "1000",
		},
		withProductType: true,
	}
}

// NewLand ...
func NewLand(area aoi.AOI, formats []string, params planner.Params) Dataset {
	return &ERA5{
		name:         Land,
		area:         area,
		formats:      formats,
		params:       params,
		productTypes: []string{"reanalysis"},
		variables: []string{
			"2m_dewpoint_temperature",
			"2m_temperature",
			"skin_temperature",
			"soil_temperature_level_1",
			"soil_temperature_level_2",
			"soil_temperature_level_3",
			"soil_temperature_level_4",
			"lake_bottom_temperature",
			"lake_ice_depth",
			"lake_ice_temperature",
			"lake_mix_layer_depth",
			"lake_mix_layer_temperature",
			"lake_shape_factor",
			"lake_total_layer_temperature",
			"snow_albedo",
			"snow_cover",
			"snow_density",
			"snow_depth",
			"snow_depth_water_equivalent",
			"snowfall",
			"snowmelt",
			"temperature_of_snow_layer",
			"skin_reservoir_content",
			"volumetric_soil_water_layer_1",
			"volumetric_soil_water_layer_2",
			"volumetric_soil_water_layer_3",
			"volumetric_soil_water_layer_4",
			"forecast_albedo",
			"surface_latent_heat_flux",
			"surface_net_solar_radiation",
			"surface_net_thermal_radiation",
			"surface_sensible_heat_flux",
			"surface_solar_radiation_downwards",
			"surface_thermal_radiation_downwards",
			"evaporation_from_bare_soil",
			"evaporation_from_open_water_surfaces_excluding_oceans",
			"evaporation_from_the_top_of_canopy",
			"evaporation_from_vegetation_transpiration",
			"potential_evaporation",
			"runoff",
			"snow_evaporation",
			"sub_surface_runoff",
			"surface_runoff",
			"total_evaporation",
			"10m_u_component_of_wind",
			"10m_v_component_of_wind",
			"surface_pressure",
			"total_precipitation",
			"leaf_area_index_high_vegetation",
			"leaf_area_index_low_vegetation",
		},
	}
}

// Name ...
func (d *ERA5) Name() string { return d.name }

// AOI ...
func (d *ERA5) AOI() aoi.AOI { return d.area }

// PlanParameters ...
func (d *ERA5) PlanParameters() planner.Params { return d.params }

// ProductTypes ...
func (d *ERA5) ProductTypes() []string { return d.productTypes }

// Formats ...
func (d *ERA5) Formats() []string { return d.formats }

// FetchRequest builds the retrieve API inputs for one product of one day.
func (d *ERA5) FetchRequest(day time.Time, productType, format string) archive.Request {
	inputs := map[string]interface{}{
		"variable":        d.variables,
		"year":            day.Year(),
		"month":           int(day.Month()),
		"day":             day.Day(),
		"time":            hours,
		"data_format":     format,
		"download_format": "unarchived",
		"area":            d.area.CDSArea(),
	}
	if d.withProductType {
		inputs["product_type"] = productType
	}
	if len(d.pressureLevels) > 0 {
		inputs["pressure_level"] = d.pressureLevels
	}
	return archive.Request{Dataset: d.name, Format: format, Inputs: inputs}
}

// IsNotYetAvailable ...
func (d *ERA5) IsNotYetAvailable(err error) bool {
	return archive.IsNotYetAvailable(err)
}

// ItemID ...
func (d *ERA5) ItemID(day time.Time) string {
	return fmt.Sprintf("%s_%s_%s", d.name, day.Format("2006_01_02"), d.area.Name)
}

func (d *ERA5) dayDir(day time.Time) string {
	return fmt.Sprintf("%s/%s/%s", d.name, day.Format("2006/01/02"), d.area.Name)
}

// Key ...
func (d *ERA5) Key(day time.Time, productType, format string) string {
	return fmt.Sprintf("%s/%s.%s", d.dayDir(day), productType, format)
}

// RecordKey ...
func (d *ERA5) RecordKey(day time.Time) string {
	return d.dayDir(day) + ".json"
}
