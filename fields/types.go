package fields

// Built-in type keys.
const (
	StringField               = "StringField"
	URLField                  = "URLField"
	EmailField                = "EmailField"
	IntField                  = "IntField"
	LongField                 = "LongField"
	FloatField                = "FloatField"
	DecimalField              = "DecimalField"
	BooleanField              = "BooleanField"
	DateTimeField             = "DateTimeField"
	ObjectIdField             = "ObjectIdField"
	ReferenceField            = "ReferenceField"
	EmbeddedDocumentField     = "EmbeddedDocumentField"
	ListField                 = "ListField"
	EmbeddedDocumentListField = "EmbeddedDocumentListField"
	DictField                 = "DictField"
)

func commonHooks() map[string]Hook {
	return map[string]Hook{
		"db_field":    changeDBField,
		"required":    changeRequired,
		"default":     noop,
		"unique":      noop,
		"unique_with": noop,
		"primary_key": changePrimaryKey,
		"choices":     changeChoices,
		"null":        noop,
		"sparse":      noop,
		"type_key":    changeTypeKey,
	}
}

func with(base map[string]Hook, extra map[string]Hook) map[string]Hook {
	for k, h := range extra {
		base[k] = h
	}
	return base
}

func numberHooks() map[string]Hook {
	return with(commonHooks(), map[string]Hook{
		"min_value": clampHook("$lt"),
		"max_value": clampHook("$gt"),
	})
}

func stringHooks() map[string]Hook {
	return with(commonHooks(), map[string]Hook{
		"max_length": changeMaxLength,
		"min_length": changeMinLength,
		"regex":      changeRegex,
	})
}

func listHooks() map[string]Hook {
	return with(commonHooks(), map[string]Hook{
		"max_length": changeMaxLength,
	})
}

// RegisterBuiltins registers the built-in field types and the
// conversion matrix between them into r.
func RegisterBuiltins(r *Registry) {
	for _, key := range []string{BooleanField, DateTimeField, ObjectIdField, DictField} {
		r.Register(&Type{Key: key, Hooks: commonHooks()})
	}
	for _, key := range []string{IntField, LongField, FloatField} {
		r.Register(&Type{Key: key, Hooks: numberHooks()})
	}
	r.Register(&Type{Key: DecimalField, Hooks: with(numberHooks(), map[string]Hook{
		"force_string": changeForceString,
		"precision":    noop,
		"rounding":     noop,
	})})
	r.Register(&Type{Key: StringField, Hooks: stringHooks()})
	r.Register(&Type{Key: URLField, Parent: StringField, Hooks: with(stringHooks(), map[string]Hook{
		"schemes": changeSchemes,
	})})
	r.Register(&Type{Key: EmailField, Parent: StringField, Hooks: with(stringHooks(), map[string]Hook{
		"domain_whitelist": noop,
		"allow_utf8_user":  changeAllowUTF8User,
		"allow_ip_domain":  changeAllowIPDomain,
	})})
	r.Register(&Type{Key: ListField, Hooks: listHooks()})
	r.Register(&Type{Key: EmbeddedDocumentListField, Parent: ListField, Hooks: with(listHooks(), map[string]Hook{
		"target_doctype": changeTargetDoctype,
	})})
	r.Register(&Type{Key: EmbeddedDocumentField, Hooks: with(commonHooks(), map[string]Hook{
		"target_doctype": changeTargetDoctype,
	})})
	r.Register(&Type{Key: ReferenceField, Hooks: with(commonHooks(), map[string]Hook{
		"target_doctype": changeTargetDoctype,
		"dbref":          changeDBRef,
	})})

	for from, row := range conversionMatrix() {
		r.SetConverters(from, row)
	}
}

func init() {
	RegisterBuiltins(Default)
}

// denyAll returns a matrix row denying conversion to every built-in type
// except the given overrides.
func denyAll(overrides map[string]Converter) map[string]Converter {
	row := make(map[string]Converter)
	for _, to := range []string{
		StringField, URLField, EmailField, IntField, LongField, FloatField, DecimalField,
		BooleanField, DateTimeField, ObjectIdField, ReferenceField, EmbeddedDocumentField,
		ListField, EmbeddedDocumentListField, DictField,
	} {
		row[to] = deny
	}
	for to, c := range overrides {
		row[to] = c
	}
	return row
}

func scalarRow(overrides map[string]Converter) map[string]Converter {
	row := denyAll(map[string]Converter{
		StringField:   toString,
		IntField:      convertInt,
		LongField:     convertLong,
		FloatField:    convertDouble,
		DecimalField:  toDecimalField,
		BooleanField:  convertBool,
		DateTimeField: convertDate,
		ListField:     itemToList,
	})
	for to, c := range overrides {
		row[to] = c
	}
	return row
}

// conversionMatrix lists, per source type, the converter to use for each
// target type. Missing rows and columns fall back to the parent type.
func conversionMatrix() map[string]map[string]Converter {
	return map[string]map[string]Converter{
		StringField: scalarRow(map[string]Converter{
			ObjectIdField:  toObjectID,
			URLField:       checkURL,
			EmailField:     checkEmail,
			ReferenceField: toReference,
		}),
		IntField:      scalarRow(nil),
		LongField:     scalarRow(nil),
		FloatField:    scalarRow(nil),
		DecimalField:  scalarRow(nil),
		BooleanField:  scalarRow(map[string]Converter{DateTimeField: deny}),
		DateTimeField: scalarRow(nil),
		ObjectIdField: denyAll(map[string]Converter{
			StringField:    toString,
			ReferenceField: toReference,
			ListField:      itemToList,
		}),
		ReferenceField: denyAll(map[string]Converter{
			StringField:   toString,
			ObjectIdField: toObjectID,
			ListField:     itemToList,
		}),
		EmbeddedDocumentField: denyAll(map[string]Converter{
			ListField:                 itemToList,
			EmbeddedDocumentListField: itemToList,
			DictField:                 nothing,
		}),
		ListField: denyAll(map[string]Converter{
			StringField:               extractFromList(kindString),
			URLField:                  extractFromList(kindString),
			EmailField:                extractFromList(kindString),
			IntField:                  extractFromList(kindInt),
			LongField:                 extractFromList(kindInt),
			FloatField:                extractFromList(kindNumber),
			DecimalField:              extractFromList(kindDecimal),
			BooleanField:              extractFromList(kindBool),
			DateTimeField:             extractFromList(kindDate),
			ObjectIdField:             extractFromList(kindObjectID),
			ReferenceField:            extractFromList(kindRef),
			EmbeddedDocumentField:     extractFromList(kindDoc),
			DictField:                 extractFromList(kindDoc),
			EmbeddedDocumentListField: nothing,
		}),
		EmbeddedDocumentListField: denyAll(map[string]Converter{
			EmbeddedDocumentField: extractFromList(kindDoc),
			ListField:             nothing,
			DictField:             extractFromList(kindDoc),
		}),
		DictField: denyAll(map[string]Converter{
			ListField:             itemToList,
			EmbeddedDocumentField: nothing,
		}),
	}
}
