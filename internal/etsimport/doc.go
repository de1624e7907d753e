// Package etsimport reads group addresses from ETS project files and turns
// them into the datapoints section of the knxlink configuration.
//
// # Supported Formats
//
//   - .knxproj: native ETS project (ZIP archive; GroupAddresses.xml or 0.xml)
//   - .xml: ETS group address XML export
//   - .csv: ETS group address CSV export (comma, semicolon or tab separated)
//
// Addresses are normalised to 3-level form whether ETS wrote them as
// 1/2/3, 1/515 or 2563. Datapoint types are normalised with
// knx.NormalizeDPT; a main-type-only entry such as "DPT-9" binds to the
// generic layout of its main type (9.xxx).
//
// # Usage
//
//	res, err := etsimport.ParseFile("house.knxproj")
//	if err != nil {
//	    return err
//	}
//	dps, skipped := res.Datapoints(knx.NewDefaultCatalog())
//	_ = etsimport.WriteYAML(os.Stdout, dps)
package etsimport
