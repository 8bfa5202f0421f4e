package deck

import "fmt"

// The blank package: one master, a "Title Slide" layout whose placeholders
// carry their own geometry, and a "Title and Content" layout whose
// placeholders inherit it from the master.

const xmlHeader = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n"

var blankParts = []struct {
	name string
	body string
}{
	{contentTypesPart, `<Types xmlns="` + nsCT + `">` +
		`<Default Extension="rels" ContentType="` + ctRels + `"/>` +
		`<Default Extension="xml" ContentType="application/xml"/>` +
		`<Override PartName="/ppt/presentation.xml" ContentType="` + ctPresentation + `"/>` +
		`<Override PartName="/ppt/slideMasters/slideMaster1.xml" ContentType="` + ctSlideMaster + `"/>` +
		`<Override PartName="/ppt/slideLayouts/slideLayout1.xml" ContentType="` + ctSlideLayout + `"/>` +
		`<Override PartName="/ppt/slideLayouts/slideLayout2.xml" ContentType="` + ctSlideLayout + `"/>` +
		`<Override PartName="/ppt/theme/theme1.xml" ContentType="` + ctTheme + `"/>` +
		`</Types>`},
	{packageRelsPart, `<Relationships xmlns="` + nsRels + `">` +
		`<Relationship Id="rId1" Type="` + relOfficeDocument + `" Target="ppt/presentation.xml"/>` +
		`</Relationships>`},
	{"ppt/presentation.xml", `<p:presentation xmlns:a="` + nsA + `" xmlns:r="` + nsR + `" xmlns:p="` + nsP + `" saveSubsetFonts="1">` +
		`<p:sldMasterIdLst><p:sldMasterId id="2147483648" r:id="rId1"/></p:sldMasterIdLst>` +
		`<p:sldSz cx="12192000" cy="6858000"/>` +
		`<p:notesSz cx="6858000" cy="9144000"/>` +
		`<p:defaultTextStyle/>` +
		`</p:presentation>`},
	{"ppt/_rels/presentation.xml.rels", `<Relationships xmlns="` + nsRels + `">` +
		`<Relationship Id="rId1" Type="` + relSlideMaster + `" Target="slideMasters/slideMaster1.xml"/>` +
		`<Relationship Id="rId2" Type="` + relTheme + `" Target="theme/theme1.xml"/>` +
		`</Relationships>`},
	{"ppt/slideMasters/slideMaster1.xml", `<p:sldMaster xmlns:a="` + nsA + `" xmlns:r="` + nsR + `" xmlns:p="` + nsP + `">` +
		`<p:cSld><p:spTree>` + groupHeaderXML +
		placeholderXML(2, "Title Placeholder 1", `type="title"`, `<a:xfrm><a:off x="838200" y="365125"/><a:ext cx="10515600" cy="1325563"/></a:xfrm>`) +
		placeholderXML(3, "Text Placeholder 2", `type="body" idx="1"`, `<a:xfrm><a:off x="838200" y="1825625"/><a:ext cx="10515600" cy="4351338"/></a:xfrm>`) +
		`</p:spTree></p:cSld>` +
		`<p:clrMap bg1="lt1" tx1="dk1" bg2="lt2" tx2="dk2" accent1="accent1" accent2="accent2" accent3="accent3" accent4="accent4" accent5="accent5" accent6="accent6" hlink="hlink" folHlink="folHlink"/>` +
		`<p:sldLayoutIdLst><p:sldLayoutId id="2147483649" r:id="rId1"/><p:sldLayoutId id="2147483650" r:id="rId2"/></p:sldLayoutIdLst>` +
		`</p:sldMaster>`},
	{"ppt/slideMasters/_rels/slideMaster1.xml.rels", `<Relationships xmlns="` + nsRels + `">` +
		`<Relationship Id="rId1" Type="` + relSlideLayout + `" Target="../slideLayouts/slideLayout1.xml"/>` +
		`<Relationship Id="rId2" Type="` + relSlideLayout + `" Target="../slideLayouts/slideLayout2.xml"/>` +
		`<Relationship Id="rId3" Type="` + relTheme + `" Target="../theme/theme1.xml"/>` +
		`</Relationships>`},
	{"ppt/slideLayouts/slideLayout1.xml", `<p:sldLayout xmlns:a="` + nsA + `" xmlns:r="` + nsR + `" xmlns:p="` + nsP + `" type="title" preserve="1">` +
		`<p:cSld name="Title Slide"><p:spTree>` + groupHeaderXML +
		placeholderXML(2, "Title 1", `type="ctrTitle"`, `<a:xfrm><a:off x="1524000" y="1122363"/><a:ext cx="9144000" cy="2387600"/></a:xfrm>`) +
		placeholderXML(3, "Subtitle 2", `type="subTitle" idx="1"`, `<a:xfrm><a:off x="1524000" y="3602038"/><a:ext cx="9144000" cy="1655762"/></a:xfrm>`) +
		`</p:spTree></p:cSld>` +
		`<p:clrMapOvr><a:masterClrMapping/></p:clrMapOvr>` +
		`</p:sldLayout>`},
	{"ppt/slideLayouts/_rels/slideLayout1.xml.rels", `<Relationships xmlns="` + nsRels + `">` +
		`<Relationship Id="rId1" Type="` + relSlideMaster + `" Target="../slideMasters/slideMaster1.xml"/>` +
		`</Relationships>`},
	{"ppt/slideLayouts/slideLayout2.xml", `<p:sldLayout xmlns:a="` + nsA + `" xmlns:r="` + nsR + `" xmlns:p="` + nsP + `" type="obj" preserve="1">` +
		`<p:cSld name="Title and Content"><p:spTree>` + groupHeaderXML +
		placeholderXML(2, "Title 1", `type="title"`, "") +
		placeholderXML(3, "Content Placeholder 2", `idx="1"`, "") +
		`</p:spTree></p:cSld>` +
		`<p:clrMapOvr><a:masterClrMapping/></p:clrMapOvr>` +
		`</p:sldLayout>`},
	{"ppt/slideLayouts/_rels/slideLayout2.xml.rels", `<Relationships xmlns="` + nsRels + `">` +
		`<Relationship Id="rId1" Type="` + relSlideMaster + `" Target="../slideMasters/slideMaster1.xml"/>` +
		`</Relationships>`},
	{"ppt/theme/theme1.xml", `<a:theme xmlns:a="` + nsA + `" name="Office Theme"><a:themeElements>` +
		`<a:clrScheme name="Office">` +
		`<a:dk1><a:sysClr val="windowText" lastClr="000000"/></a:dk1><a:lt1><a:sysClr val="window" lastClr="FFFFFF"/></a:lt1>` +
		`<a:dk2><a:srgbClr val="44546A"/></a:dk2><a:lt2><a:srgbClr val="E7E6E6"/></a:lt2>` +
		`<a:accent1><a:srgbClr val="4472C4"/></a:accent1><a:accent2><a:srgbClr val="ED7D31"/></a:accent2>` +
		`<a:accent3><a:srgbClr val="A5A5A5"/></a:accent3><a:accent4><a:srgbClr val="FFC000"/></a:accent4>` +
		`<a:accent5><a:srgbClr val="5B9BD5"/></a:accent5><a:accent6><a:srgbClr val="70AD47"/></a:accent6>` +
		`<a:hlink><a:srgbClr val="0563C1"/></a:hlink><a:folHlink><a:srgbClr val="954F72"/></a:folHlink>` +
		`</a:clrScheme>` +
		`<a:fontScheme name="Office"><a:majorFont><a:latin typeface="Calibri Light"/><a:ea typeface=""/><a:cs typeface=""/></a:majorFont>` +
		`<a:minorFont><a:latin typeface="Calibri"/><a:ea typeface=""/><a:cs typeface=""/></a:minorFont></a:fontScheme>` +
		`<a:fmtScheme name="Office">` +
		`<a:fillStyleLst><a:solidFill><a:schemeClr val="phClr"/></a:solidFill><a:solidFill><a:schemeClr val="phClr"/></a:solidFill><a:solidFill><a:schemeClr val="phClr"/></a:solidFill></a:fillStyleLst>` +
		`<a:lnStyleLst><a:ln w="6350"><a:solidFill><a:schemeClr val="phClr"/></a:solidFill></a:ln><a:ln w="12700"><a:solidFill><a:schemeClr val="phClr"/></a:solidFill></a:ln><a:ln w="19050"><a:solidFill><a:schemeClr val="phClr"/></a:solidFill></a:ln></a:lnStyleLst>` +
		`<a:effectStyleLst><a:effectStyle><a:effectLst/></a:effectStyle><a:effectStyle><a:effectLst/></a:effectStyle><a:effectStyle><a:effectLst/></a:effectStyle></a:effectStyleLst>` +
		`<a:bgFillStyleLst><a:solidFill><a:schemeClr val="phClr"/></a:solidFill><a:solidFill><a:schemeClr val="phClr"/></a:solidFill><a:solidFill><a:schemeClr val="phClr"/></a:solidFill></a:bgFillStyleLst>` +
		`</a:fmtScheme></a:themeElements></a:theme>`},
}

const groupHeaderXML = `<p:nvGrpSpPr><p:cNvPr id="1" name=""/><p:cNvGrpSpPr/><p:nvPr/></p:nvGrpSpPr>` +
	`<p:grpSpPr><a:xfrm><a:off x="0" y="0"/><a:ext cx="0" cy="0"/><a:chOff x="0" y="0"/><a:chExt cx="0" cy="0"/></a:xfrm></p:grpSpPr>`

func placeholderXML(id int, name, ph, xfrm string) string {
	return fmt.Sprintf(`<p:sp><p:nvSpPr><p:cNvPr id="%d" name="%s"/><p:cNvSpPr><a:spLocks noGrp="1"/></p:cNvSpPr><p:nvPr><p:ph %s/></p:nvPr></p:nvSpPr>`+
		`<p:spPr>%s</p:spPr><p:txBody><a:bodyPr/><a:lstStyle/><a:p/></p:txBody></p:sp>`, id, name, ph, xfrm)
}

func newBlankPackage() (*Package, error) {
	pkg := &Package{parts: map[string]*part{}}
	for _, p := range blankParts {
		pkg.parts[p.name] = &part{data: []byte(xmlHeader + p.body)}
		pkg.order = append(pkg.order, p.name)
	}
	types, err := pkg.XML(contentTypesPart)
	if err != nil {
		return nil, err
	}
	pkg.types = types
	return pkg, nil
}
